package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reliefhub/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// Credentials is the private, storage-facing view of a principal.
type Credentials struct {
	models.Principal
	PasswordHash string `json:"passwordHash"`
	// Counter for consecutive failed login attempts to throttle brute
	// force attacks.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (c *Credentials) ResetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *Credentials) IncrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

// CredentialStore is the persistence behind the service. Tokens are
// stored hashed, never raw.
type CredentialStore interface {
	UpsertCredentials(Credentials) error
	ListCredentials() ([]Credentials, error)
	UpsertToken(principalID, tokenHash string) error
	DeleteToken(tokenHash string) error
	ListTokens() (map[string]string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service resolves session tokens to principals and manages
// credentials. All reads go through in-memory geche caches loaded from
// the store at startup.
type Service struct {
	Config
	users      *geche.Locker[string, *Credentials]
	liveTokens geche.Geche[string, string]
	storage    CredentialStore
	now        func() time.Time
}

func NewService(ctx context.Context, config Config, storage CredentialStore) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		Config:     config,
		users:      geche.NewLocker[string, *Credentials](geche.NewMapCache[string, *Credentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		storage:    storage,
		now:        time.Now,
	}

	credentials, err := storage.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := s.users.Lock()
	for i := range credentials {
		tx.Set(credentials[i].UserName, &credentials[i])
	}
	tx.Unlock()

	tokens, err := storage.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for hash, principalID := range tokens {
		s.liveTokens.Set(hash, principalID)
	}

	return s, nil
}

// AddPrincipal registers a new principal with the given role.
func (s *Service) AddPrincipal(username, displayName, password string, role models.Role) (models.Principal, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Principal{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := s.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return models.Principal{}, ErrUserExists
	}

	creds := &Credentials{
		Principal: models.Principal{
			ID:           uuid.NewString(),
			UserName:     username,
			DisplayName:  displayName,
			Role:         role,
			SafetyStatus: models.SafetyStatusUnknown,
			Status:       models.PrincipalStatusActive,
		},
		PasswordHash: string(hash),
	}
	if err := s.storage.UpsertCredentials(*creds); err != nil {
		return models.Principal{}, fmt.Errorf("failed to persist credentials: %w", err)
	}
	tx.Set(username, creds)

	return creds.Principal, nil
}

func (s *Service) Login(req LoginRequest) (LoginResponse, string) {
	now := s.now()
	tx := s.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		user.IncrementFailedLoginAttempts(now)
		s.persist(user)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	token, err := s.generateToken()
	if err != nil {
		slog.Error("login failed", "principal_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, ""
	}

	hash := s.hashToken(token)
	s.liveTokens.Set(hash, user.ID)
	if err := s.storage.UpsertToken(user.ID, hash); err != nil {
		slog.Error("failed to persist token", "principal_id", user.ID, "error", err)
	}
	user.ResetFailedLoginAttempts(now)
	s.persist(user)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(s.TokenExpiry.Seconds()),
	}, user.ID
}

func (s *Service) Logoff(token string) error {
	hash := s.hashToken(token)
	if err := s.storage.DeleteToken(hash); err != nil {
		slog.Error("failed to delete token", "error", err)
	}
	return s.liveTokens.Del(hash)
}

// PrincipalID resolves a session token. An empty or unknown token
// yields ErrInvalidToken; callers decide whether that means anonymous.
func (s *Service) PrincipalID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	id, err := s.liveTokens.Get(s.hashToken(token))
	if err != nil {
		return "", ErrInvalidToken
	}
	return id, nil
}

// GetByUsername returns the public principal record.
func (s *Service) GetByUsername(username string) (models.Principal, error) {
	tx := s.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(username)
	if err != nil {
		return models.Principal{}, models.ErrNotFound
	}
	return user.Principal, nil
}

func (s *Service) persist(user *Credentials) {
	if err := s.storage.UpsertCredentials(*user); err != nil {
		slog.Error("failed to persist credentials", "principal_id", user.ID, "error", err)
	}
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (s *Service) hashToken(token string) string {
	h := hmac.New(sha256.New, s.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
