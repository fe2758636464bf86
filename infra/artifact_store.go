package infra

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/inkforge/inkforge-orchestrator/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore persists generated binary artifacts (cover images) in
// MinIO. The job record only ever holds object keys, never bytes.
type ArtifactStore struct {
	Client *minio.Client
	Bucket string
}

func InitArtifactStore(cfg *config.EnvConfig) *ArtifactStore {
	client, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Minio.RootUser, cfg.Minio.RootPassword, ""),
		Secure: false,
	})
	if err != nil {
		log.Fatalf("MinIO connection failed: %v", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Minio.CoverBucket)
	if err != nil {
		log.Fatalf("MinIO bucket check failed: %v", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Minio.CoverBucket, minio.MakeBucketOptions{}); err != nil {
			log.Fatalf("MinIO bucket creation failed: %v", err)
		}
	}

	log.Println("Connected to MinIO:", cfg.Minio.Endpoint)

	return &ArtifactStore{
		Client: client,
		Bucket: cfg.Minio.CoverBucket,
	}
}

// PutCover stores cover image bytes and returns the object key.
func (s *ArtifactStore) PutCover(ctx context.Context, jobID string, data []byte) (string, error) {
	key := fmt.Sprintf("covers/%s.png", jobID)
	_, err := s.Client.PutObject(ctx, s.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetCover fetches previously stored cover bytes.
func (s *ArtifactStore) GetCover(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
