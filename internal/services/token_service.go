package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	db "github.com/markdave123-py/docchat/internal/core/database"
	"github.com/markdave123-py/docchat/internal/models"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature invalid")

	ErrResetTokenNotFound = errors.New("reset token not found")
	ErrResetTokenExpired  = errors.New("reset token expired")
)

const (
	resetTokenLength   = 64
	resetTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Claims is the one token schema shared by every route tree.
type Claims struct {
	Email  string `json:"email"`
	RoleID int64  `json:"role_id"`
	jwt.RegisteredClaims
}

type TokenService struct {
	db       db.DbClient
	secret   []byte
	ttl      time.Duration
	resetTTL time.Duration
	now      func() time.Time
}

func NewTokenService(dbc db.DbClient, secret string, ttl, resetTTL time.Duration) *TokenService {
	return &TokenService{
		db:       dbc,
		secret:   []byte(secret),
		ttl:      ttl,
		resetTTL: resetTTL,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

func (s *TokenService) ResetTTL() time.Duration { return s.resetTTL }

// Issue signs an HS256 token for the user.
func (s *TokenService) Issue(userID, email string, roleID int64) (string, error) {
	now := s.now()
	claims := Claims{
		Email:  email,
		RoleID: roleID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenBadSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// NewResetToken returns 64 characters drawn uniformly from [A-Za-z0-9].
func NewResetToken() (string, error) {
	const n = len(resetTokenAlphabet)
	// largest multiple of n below 256; bytes above it are rejected to avoid bias
	const limit = 256 - 256%n

	out := make([]byte, 0, resetTokenLength)
	buf := make([]byte, resetTokenLength)
	for len(out) < resetTokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, resetTokenAlphabet[int(b)%n])
			if len(out) == resetTokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// IssueResetToken stores a fresh token for userID, replacing any earlier one.
func (s *TokenService) IssueResetToken(ctx context.Context, userID string) (*models.ResetToken, error) {
	value, err := NewResetToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	tok := &models.ResetToken{
		UserID:    userID,
		Token:     value,
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.db.ReplaceResetToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("store reset token: %w", err)
	}
	return tok, nil
}

// ConsumeResetToken validates token. An expired record is deleted on sight;
// a valid one is left for the caller to delete together with the password change.
func (s *TokenService) ConsumeResetToken(ctx context.Context, token string) (*models.ResetToken, error) {
	if token == "" {
		return nil, ErrResetTokenNotFound
	}
	tok, err := s.db.GetResetToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrResetTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reset token: %w", err)
	}
	if tok.Expired(s.now()) {
		if err := s.db.DeleteResetToken(ctx, tok.ID); err != nil {
			return nil, fmt.Errorf("delete expired reset token: %w", err)
		}
		return nil, ErrResetTokenExpired
	}
	return tok, nil
}

// RevokeResetToken deletes a token that was issued but could not be delivered.
func (s *TokenService) RevokeResetToken(ctx context.Context, id int64) error {
	return s.db.DeleteResetToken(ctx, id)
}
