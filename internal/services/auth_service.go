package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docchat/internal/apperr"
	db "github.com/markdave123-py/docchat/internal/core/database"
	"github.com/markdave123-py/docchat/internal/core/mail"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
)

// ForgotPasswordMessage is returned for every reset request, known email or not.
const ForgotPasswordMessage = "If an account with that email exists, a password reset link has been sent."

var (
	ErrEmailTaken            = apperr.Conflict("email already registered")
	ErrInvalidCredentials    = apperr.Authentication("invalid email or password")
	ErrInvalidOrExpiredToken = apperr.Validation("invalid or expired reset token")
	ErrUserNotFound          = apperr.NotFound("user not found")
)

// UserView is the user summary returned to clients.
type UserView struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	RoleID    int64   `json:"role_id"`
	FullName  string  `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	Bio       *string `json:"bio,omitempty"`
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
}

type RegisterInput struct {
	Email    string
	Password string
	FullName string
}

type AuthService struct {
	db          db.DbClient
	tokens      *TokenService
	mailer      mail.Mailer
	log         *logger.Logger
	defaultRole string
	resetURL    string
	now         func() time.Time
}

func NewAuthService(
	dbc db.DbClient,
	tokens *TokenService,
	mailer mail.Mailer,
	log *logger.Logger,
	defaultRole string,
	resetURL string,
) *AuthService {
	return &AuthService{
		db:          dbc,
		tokens:      tokens,
		mailer:      mailer,
		log:         log.With("service", "AuthService"),
		defaultRole: defaultRole,
		resetURL:    resetURL,
		now:         time.Now,
	}
}

// Register creates a user with the default role and returns a session token.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	user, profile, err := s.CreateUser(ctx, in, s.defaultRole)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(user.ID, user.Email, user.RoleID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	s.log.Info("user registered", "user_id", user.ID)
	return &AuthResult{Token: token, User: viewOf(user, profile)}, nil
}

// CreateUser inserts user and profile in one transaction under roleName.
func (s *AuthService) CreateUser(ctx context.Context, in RegisterInput, roleName string) (*models.User, *models.Profile, error) {
	email := strings.TrimSpace(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, nil, err
	}

	if _, err := s.db.GetUserByEmail(ctx, email); err == nil {
		return nil, nil, ErrEmailTaken
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, nil, apperr.Storage(err)
	}

	role, err := s.db.GetRoleByName(ctx, roleName)
	if err != nil {
		return nil, nil, apperr.Storage(fmt.Errorf("role %q: %w", roleName, err))
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, nil, apperr.Storage(err)
	}

	now := s.now().UTC()
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		RoleID:       role.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := &models.Profile{UserID: user.ID, FullName: strings.TrimSpace(in.FullName)}
	if err := s.db.CreateUserWithProfile(ctx, user, profile); err != nil {
		// lost a race with a concurrent registration
		if errors.Is(err, db.ErrDuplicate) {
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, apperr.Storage(err)
	}
	return user, profile, nil
}

// Login answers unknown email and wrong password identically.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.db.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, db.ErrNotFound) {
		burnPasswordCheck(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.log.Info("login rejected", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}

	profile, err := s.profileOrEmpty(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(user.ID, user.Email, user.RoleID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return &AuthResult{Token: token, User: viewOf(user, profile)}, nil
}

// RequestPasswordReset mails a reset link to known users. The caller always
// reports ForgotPasswordMessage; only a failing user lookup surfaces an error.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.db.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Storage(err)
	}

	tok, err := s.tokens.IssueResetToken(ctx, user.ID)
	if err != nil {
		s.log.Error("issue reset token failed", "user_id", user.ID, "error", err)
		return nil
	}

	profile, err := s.profileOrEmpty(ctx, user.ID)
	if err != nil {
		profile = &models.Profile{}
	}
	body, err := mail.RenderResetEmail(mail.ResetEmail{
		Name:     profile.FullName,
		Link:     s.resetLink(tok.Token),
		Validity: s.tokens.ResetTTL().String(),
	})
	if err == nil {
		err = s.mailer.Send(ctx, user.Email, "Reset your password", body)
	}
	if err != nil {
		s.log.Error("reset email not delivered, revoking token", "user_id", user.ID, "error", err)
		if rErr := s.tokens.RevokeResetToken(ctx, tok.ID); rErr != nil {
			s.log.Error("revoke reset token failed", "user_id", user.ID, "error", rErr)
		}
		return nil
	}
	s.log.Info("reset email sent", "user_id", user.ID)
	return nil
}

func (s *AuthService) resetLink(token string) string {
	u, err := url.Parse(s.resetURL)
	if err != nil {
		return s.resetURL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// ResetPassword sets a new password and consumes the token in one transaction.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	tok, err := s.tokens.ConsumeResetToken(ctx, token)
	if errors.Is(err, ErrResetTokenNotFound) || errors.Is(err, ErrResetTokenExpired) {
		return ErrInvalidOrExpiredToken
	}
	if err != nil {
		return apperr.Storage(err)
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return apperr.Storage(err)
	}
	if err := s.db.ResetPassword(ctx, tok.UserID, hash, tok.ID, s.now().UTC()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return apperr.Storage(err)
	}
	s.log.Info("password reset", "user_id", tok.UserID)
	return nil
}

// Me returns the profile view of userID.
func (s *AuthService) Me(ctx context.Context, userID string) (*UserView, error) {
	user, err := s.db.GetUserByID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	profile, err := s.profileOrEmpty(ctx, userID)
	if err != nil {
		return nil, err
	}
	v := viewOf(user, profile)
	return &v, nil
}

// DeleteUser removes a user; profile, tokens and documents cascade.
func (s *AuthService) DeleteUser(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrUserNotFound
	}
	err := s.db.DeleteUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return apperr.Storage(err)
	}
	s.log.Info("user deleted", "user_id", userID)
	return nil
}

func (s *AuthService) profileOrEmpty(ctx context.Context, userID string) (*models.Profile, error) {
	p, err := s.db.GetProfile(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return &models.Profile{UserID: userID}, nil
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return p, nil
}

func viewOf(u *models.User, p *models.Profile) UserView {
	return UserView{
		ID:        u.ID,
		Email:     u.Email,
		RoleID:    u.RoleID,
		FullName:  p.FullName,
		AvatarURL: p.AvatarURL,
		Bio:       p.Bio,
	}
}
