package push

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fitconnect-backend/pkg/logger"
)

// Notification is a push payload. Incoming-call alerts are data-only
// messages: the app renders its own call UI from the data fields.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// SendResult summarises a delivery attempt
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Provider delivers notifications to device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// TokenStore resolves a user's registered device tokens
type TokenStore interface {
	GetTokens(ctx context.Context, userID uuid.UUID) ([]string, error)
	RemoveTokens(ctx context.Context, userID uuid.UUID, tokens []string) error
}

// Service sends notifications to users by resolving their device tokens
type Service struct {
	provider Provider
	tokens   TokenStore
}

// NewService creates a new push service
func NewService(provider Provider, tokens TokenStore) *Service {
	return &Service{
		provider: provider,
		tokens:   tokens,
	}
}

// SendToUser delivers a notification to all of the user's devices.
// Invalid tokens reported by the provider are pruned from the store.
func (s *Service) SendToUser(ctx context.Context, userID uuid.UUID, notification *Notification) error {
	tokens, err := s.tokens.GetTokens(ctx, userID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		logger.Debug("no push tokens registered for user",
			zap.String("user_id", userID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		return err
	}

	if len(result.InvalidTokens) > 0 {
		if err := s.tokens.RemoveTokens(ctx, userID, result.InvalidTokens); err != nil {
			logger.Warn("failed to prune invalid push tokens",
				zap.String("user_id", userID.String()),
				zap.Int("count", len(result.InvalidTokens)),
				zap.Error(err))
		}
	}

	return nil
}

// MockProvider is a no-op provider for development and tests
type MockProvider struct{}

// Send logs the notification and reports success for every token
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	logger.Info("mock push send",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
