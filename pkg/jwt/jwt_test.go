package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenerateAndValidateToken(t *testing.T) {
	manager := NewManager("test-secret-key-at-least-32-chars!!", 15*time.Minute)
	userID := uuid.New()

	token, err := manager.GenerateToken(userID, "Alice")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager := NewManager("test-secret-key-at-least-32-chars!!", 15*time.Minute)
	other := NewManager("another-secret-key-with-enough-len!", 15*time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "Alice")
	assert.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewManager("test-secret-key-at-least-32-chars!!", -1*time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "Alice")
	assert.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := NewManager("test-secret-key-at-least-32-chars!!", 15*time.Minute)

	_, err := manager.ValidateToken("not-a-token")
	assert.Error(t, err)
}
