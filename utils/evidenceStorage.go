package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Evidence assets (photos, signed forms) are captured and uploaded by the
// field apps; the engine only stores object references. These helpers let
// the engine verify that a referenced object actually exists and hand
// consumers a time-limited read URL for display/export.

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// getGoogleClient initializes a Google Cloud Storage client.
// Prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// Set GCS_CREDENTIALS_JSON to provide explicit JSON (e.g. locally).
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EvidenceObjectExists checks the referenced storage object without
// downloading its content.
func EvidenceObjectExists(ctx context.Context, objectKey string) (bool, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	bucketName := os.Getenv("GCS_EVIDENCE_BUCKET")
	if bucketName == "" {
		return false, errors.New("GCS_EVIDENCE_BUCKET is required")
	}

	_, err = client.Bucket(bucketName).Object(objectKey).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// SignEvidenceReadURL returns a V4 signed GET URL for one evidence object.
func SignEvidenceReadURL(objectKey string, expires time.Duration) (string, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_EVIDENCE_BUCKET"))
	if bucket == "" {
		return "", errors.New("GCS_EVIDENCE_BUCKET is required")
	}

	credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON"))
	if credJSON == "" {
		return "", errors.New("GCS_CREDENTIALS_JSON is required for signed URLs")
	}
	var sa serviceAccountJSON
	if err := json.Unmarshal([]byte(credJSON), &sa); err != nil {
		return "", fmt.Errorf("parse GCS_CREDENTIALS_JSON: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return "", errors.New("GCS_CREDENTIALS_JSON is missing client_email/private_key")
	}

	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        time.Now().Add(expires),
		GoogleAccessID: sa.ClientEmail,
		PrivateKey:     []byte(sa.PrivateKey),
	}
	return storage.SignedURL(bucket, objectKey, opts)
}

// ExtractObjectKeyFromURL pulls the object key out of a stored asset URL
// of the form https://storage.googleapis.com/<bucket>/<key>.
func ExtractObjectKeyFromURL(assetURL string) string {
	bucket := strings.TrimSpace(os.Getenv("GCS_EVIDENCE_BUCKET"))
	if bucket == "" {
		return ""
	}
	prefix := "https://storage.googleapis.com/" + bucket + "/"
	if strings.HasPrefix(assetURL, prefix) {
		return strings.TrimPrefix(assetURL, prefix)
	}
	return ""
}
