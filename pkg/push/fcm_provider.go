package push

import (
	"context"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"fitconnect-backend/pkg/logger"
)

// FCMProvider implements Provider using Firebase Cloud Messaging.
// Android, iOS (via the APNs bridge), and Web are all served by FCM, so
// no separate APNs provider is carried.
type FCMProvider struct {
	client *messaging.Client
}

// NewFCMProvider creates an FCM provider from an initialized Firebase app
func NewFCMProvider(ctx context.Context, app *firebase.App) (*FCMProvider, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return &FCMProvider{client: client}, nil
}

// Send delivers the notification to the given tokens as a high-priority
// data message so the app can wake and render its call screen
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = f.buildMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		logger.Error("fcm send failed",
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return &SendResult{FailureCount: len(tokens)}, err
	}

	result := &SendResult{}
	for i, resp := range response.Responses {
		if resp.Success {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if resp.Error != nil && messaging.IsUnregistered(resp.Error) && i < len(tokens) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	logger.Debug("fcm messages sent",
		zap.Int("success", result.SuccessCount),
		zap.Int("failure", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	return result, nil
}

// buildMessage constructs a data-only FCM message for one token
func (f *FCMProvider) buildMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+2)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body

	return &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Data:     data,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{ContentAvailable: true},
			},
		},
	}
}
