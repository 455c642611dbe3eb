package services

import (
	"context"
	"errors"
	"strings"

	"github.com/markdave123-py/docchat/internal/apperr"
	db "github.com/markdave123-py/docchat/internal/core/database"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
)

// Public messages. Every authentication failure reads the same, as does every
// authorization failure.
const (
	MsgUnauthorized = "authentication required"
	MsgForbidden    = "insufficient permissions"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrUnknownUser  = errors.New("token subject does not exist")
	ErrForbidden    = errors.New("forbidden")
)

type AccessService struct {
	db     db.DbClient
	tokens *TokenService
	log    *logger.Logger
}

func NewAccessService(dbc db.DbClient, tokens *TokenService, log *logger.Logger) *AccessService {
	return &AccessService{db: dbc, tokens: tokens, log: log.With("service", "AccessService")}
}

func unauthorized(cause error) error {
	return apperr.Authentication(MsgUnauthorized).Wrap(cause)
}

func forbidden(cause error) error {
	return apperr.Authorization(MsgForbidden).Wrap(cause)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate resolves the Authorization header to a stored user.
func (s *AccessService) Authenticate(ctx context.Context, header string) (*models.User, error) {
	raw, ok := BearerToken(header)
	if !ok {
		return nil, unauthorized(ErrMissingToken)
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.log.Debug("token rejected", "reason", err.Error())
		return nil, unauthorized(errors.Join(ErrInvalidToken, err))
	}
	user, err := s.db.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, db.ErrNotFound) {
		return nil, unauthorized(ErrUnknownUser)
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return user, nil
}

// AuthorizeRole requires an exact role match.
func (s *AccessService) AuthorizeRole(user *models.User, roleID int64) error {
	if user == nil || user.RoleID != roleID {
		return forbidden(ErrForbidden)
	}
	return nil
}

// AuthorizePermission requires the user's role to hold permission.
func (s *AccessService) AuthorizePermission(ctx context.Context, user *models.User, permission string) error {
	if user == nil {
		return forbidden(ErrForbidden)
	}
	if _, err := s.db.GetRoleByID(ctx, user.RoleID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return forbidden(ErrForbidden)
		}
		return apperr.Storage(err)
	}
	perms, err := s.db.ListRolePermissions(ctx, user.RoleID)
	if err != nil {
		return apperr.Storage(err)
	}
	for _, p := range perms {
		if p.Name == permission {
			return nil
		}
	}
	return forbidden(ErrForbidden)
}
