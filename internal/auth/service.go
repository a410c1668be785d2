// Package auth is the anonymous identity provider: it creates throwaway
// identities with a display name and issues the tokens that name them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"
)

// MaxDisplayNameLength is the longest display name, in runes.
const MaxDisplayNameLength = 32

var (
	// ErrAuthRequired means the caller has no valid identity.
	ErrAuthRequired = errors.New("auth: authentication required")
	// ErrInvalidDisplayName is returned for names over MaxDisplayNameLength runes.
	ErrInvalidDisplayName = fmt.Errorf("auth: display name must be at most %d characters", MaxDisplayNameLength)
)

// UserStore persists identities.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	UpdateDisplayName(ctx context.Context, userID, name string) error
	DeleteUser(ctx context.Context, userID string) error
}

// OfflineMarker takes a user offline.
type OfflineMarker interface {
	MarkOffline(ctx context.Context, userID string)
}

// Service issues and checks anonymous identities.
type Service struct {
	users    UserStore
	presence OfflineMarker
	tokens   TokenConfig
	log      *slog.Logger
}

// NewService creates the identity provider. presence may be nil.
func NewService(users UserStore, presence OfflineMarker, tokens TokenConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens.Issuer == "" {
		tokens.Issuer = DefaultIssuer
	}
	return &Service{users: users, presence: presence, tokens: tokens, log: logger.With("component", "auth")}
}

// NormalizeDisplayName trims name and falls back to the default name when blank.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.DefaultDisplayName, nil
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}

// SignInAnonymous creates a new identity and returns it with its token.
func (s *Service) SignInAnonymous(ctx context.Context, displayName string) (*models.User, string, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, "", err
	}
	user := &models.User{DisplayName: name}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	token, err := CreateToken(user.ID, s.tokens)
	if err != nil {
		return nil, "", fmt.Errorf("create token: %w", err)
	}
	s.log.Info("anonymous sign-in", "user_id", user.ID)
	return user, token, nil
}

// SetDisplayName renames the user and returns the stored name.
func (s *Service) SetDisplayName(ctx context.Context, userID, displayName string) (string, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return "", err
	}
	if err := s.users.UpdateDisplayName(ctx, userID, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrAuthRequired
		}
		return "", err
	}
	return name, nil
}

// SignOut ends the identity: the user goes offline and the record is deleted.
func (s *Service) SignOut(ctx context.Context, userID string) error {
	if s.presence != nil {
		s.presence.MarkOffline(ctx, userID)
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.log.Info("signed out", "user_id", userID)
	return nil
}

// Authenticate resolves a token into its live identity.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}
	claims, err := VerifyToken(token, s.tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		// Signed out: the token outlived its identity.
		return nil, ErrAuthRequired
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
