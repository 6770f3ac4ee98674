// Package auth handles operator authentication: email/password login
// backed by Argon2id hashes, and RS256 session tokens. Agents do not
// use this package; they authenticate with per-agent API keys.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// Session is the result of a successful login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *db.User
}

// Service authenticates operators against the user table.
type Service struct {
	users repositories.UserRepository
	jwt   *JWTManager
}

// NewService creates an auth Service.
func NewService(users repositories.UserRepository, jwt *JWTManager) *Service {
	return &Service{users: users, jwt: jwt}
}

// Login validates email/password and returns a session on success. The
// password is verified against the Argon2id hash stored encrypted at
// rest via EncryptedString.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Invalid credentials rather than not-found, so the response
			// does not leak whether the address is registered.
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user by email: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	if !VerifyPassword(password, string(user.Password)) {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.jwt.GenerateSessionToken(
		user.ID.String(), user.TeamID.String(), user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user.LastLoginAt = &now
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("auth: recording login time: %w", err)
	}

	return &Session{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// Validate verifies a session token and returns its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	return s.jwt.ValidateSessionToken(tokenString)
}

// HashPassword returns an Argon2id hash of the given plaintext password.
// Exported so provisioning tooling can hash passwords without the full
// service.
//
// Format: saltHex:hashHex
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyPassword checks a plaintext password against a stored Argon2id
// hash. Returns false for malformed hashes rather than an error, since
// an invalid hash means authentication must fail.
func VerifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expected, err := hex.DecodeString(hashHex)
	if err != nil || len(expected) == 0 {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expected)))

	return subtle.ConstantTimeCompare(actual, expected) == 1
}
