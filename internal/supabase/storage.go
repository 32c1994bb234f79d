package supabase

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	storage "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"

	"tryon-backend/internal/config"
)

// StorageClient persists generation assets in Supabase Storage: the subject
// photo at submission time and the durable copy of the provider's result.
type StorageClient struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

func NewStorageClient(cfg *config.Config) (*StorageClient, error) {
	baseURL := strings.TrimSuffix(cfg.SupabaseURL, "/")

	client, err := supabase.NewClient(baseURL, cfg.SupabaseServiceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize supabase client: %w", err)
	}

	return &StorageClient{
		client:  client.Storage,
		bucket:  cfg.SupabaseStorageBucket,
		baseURL: baseURL,
	}, nil
}

// UploadSubjectImage stores the subject photo under a job-scoped path and
// returns the public URL the provider will fetch it from.
func (s *StorageClient) UploadSubjectImage(jobID uuid.UUID, data []byte, contentType string) (string, error) {
	storagePath := fmt.Sprintf("%s/user-photo.png", jobID.String())
	if err := s.upload(storagePath, data, contentType); err != nil {
		return "", fmt.Errorf("failed to upload subject image: %w", err)
	}
	return s.publicURL(storagePath), nil
}

// StoreResult copies a generated image into durable storage. The provider's
// own result URL is ephemeral and must not be handed to clients as permanent.
func (s *StorageClient) StoreResult(jobID uuid.UUID, data []byte) (string, error) {
	storagePath := fmt.Sprintf("results/%s.png", jobID.String())
	if err := s.upload(storagePath, data, "image/png"); err != nil {
		return "", fmt.Errorf("failed to store result image: %w", err)
	}
	return s.publicURL(storagePath), nil
}

func (s *StorageClient) upload(storagePath string, data []byte, contentType string) error {
	upsert := true
	_, err := s.client.UploadFile(s.bucket, storagePath, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	return err
}

func (s *StorageClient) publicURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, storagePath)
}
