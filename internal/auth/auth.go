// Package auth issues and validates the bearer credentials that gate both
// the REST surface and WebSocket connections.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/k-okoli/type-of-faith/internal/utility"
)

var (
	ErrUnauthorized       = errors.New("invalid or expired credential")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("wrong username or password")
	ErrUserNotFound       = errors.New("user not found")
)

// Identity is the resolved owner of a valid credential.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	AvatarID string `json:"avatar_id"`
}

// User is a stored account record.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	AvatarID     string
}

// UserStore persists accounts. Backed by Postgres when a database is
// configured, by an in-memory table otherwise.
type UserStore interface {
	CreateUser(u User) error
	GetUserByName(username string) (User, error)
}

type claims struct {
	Username string `json:"username"`
	AvatarID string `json:"avatar_id"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	ttl    time.Duration
	users  UserStore
}

func NewService(secret string, ttl time.Duration, users UserStore) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, users: users}
}

// Register creates an account and issues its first credential.
func (s *Service) Register(username, password, avatarID string) (Identity, string, error) {
	if username == "" || password == "" {
		return Identity{}, "", ErrInvalidCredentials
	}
	if avatarID == "" || !utility.KnownAvatarID(avatarID) {
		avatarID = utility.RandomAvatarID()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, "", fmt.Errorf("hashing password: %w", err)
	}
	u := User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		AvatarID:     avatarID,
	}
	if err := s.users.CreateUser(u); err != nil {
		return Identity{}, "", err
	}

	id := Identity{UserID: u.ID, Username: u.Username, AvatarID: u.AvatarID}
	token, err := s.issueToken(id)
	return id, token, err
}

// Login verifies a password and issues a fresh credential.
func (s *Service) Login(username, password string) (Identity, string, error) {
	u, err := s.users.GetUserByName(username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Identity{}, "", ErrInvalidCredentials
		}
		return Identity{}, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return Identity{}, "", ErrInvalidCredentials
	}
	id := Identity{UserID: u.ID, Username: u.Username, AvatarID: u.AvatarID}
	token, err := s.issueToken(id)
	return id, token, err
}

func (s *Service) issueToken(id Identity) (string, error) {
	now := time.Now()
	c := claims{
		Username: id.Username,
		AvatarID: id.AvatarID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate resolves a bearer credential to an identity, or fails
// ErrUnauthorized.
func (s *Service) Validate(tokenStr string) (Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || c.Subject == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: c.Subject, Username: c.Username, AvatarID: c.AvatarID}, nil
}
