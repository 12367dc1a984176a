package database

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// FirebaseConfig holds Firebase project configuration
type FirebaseConfig struct {
	ProjectID       string
	CredentialsPath string
}

// NewFirebaseApp initializes the Firebase Admin SDK. Credentials are read
// into memory so only the env var, not the file path, crosses process
// boundaries (Docker secret support).
func NewFirebaseApp(ctx context.Context, cfg *FirebaseConfig) (*firebase.App, error) {
	if cfg.CredentialsPath == "" {
		return nil, fmt.Errorf("firebase credentials path not configured")
	}

	credentials, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read firebase credentials: %w", err)
	}

	app, err := firebase.NewApp(ctx,
		&firebase.Config{ProjectID: cfg.ProjectID},
		option.WithCredentialsJSON(credentials),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	return app, nil
}

// NewFirestoreClient opens the Firestore client backing the call session store
func NewFirestoreClient(ctx context.Context, app *firebase.App) (*firestore.Client, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return client, nil
}
