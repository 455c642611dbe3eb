package services

import (
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/markdave123-py/docchat/internal/apperr"
)

const (
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes, reject instead of truncating.
	maxPasswordBytes = 72
)

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// ValidatePassword enforces the password policy.
func ValidatePassword(password string) error {
	if len([]rune(password)) < minPasswordLength {
		return apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordBytes {
		return apperr.Validation(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	return nil
}

// ValidateEmail accepts a bare address, no display name.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return apperr.Validation("a valid email address is required")
	}
	return nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// burnPasswordCheck spends the same bcrypt work as a real comparison so an
// unknown account answers as slowly as a wrong password.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("docchat-dummy-password"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
