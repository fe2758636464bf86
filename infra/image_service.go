package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/inkforge/inkforge-orchestrator/config"
)

// ImageService calls the image-generation collaborator (cover art).
// Retry policy mirrors TextService but with fewer attempts: image
// generation is the most expensive call in the pipeline.
type ImageService struct {
	BaseURL string
	Client  *http.Client
}

func InitImageService(cfg *config.EnvConfig) *ImageService {
	return &ImageService{
		BaseURL: cfg.ExternalService.ImageGenerationURL,
		Client: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

type generateImageRequest struct {
	Prompt string `json:"prompt"`
}

// Generate produces image bytes (PNG) for the given prompt.
func (s *ImageService) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(generateImageRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/images", bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, &ProviderError{Provider: "image", Status: resp.StatusCode, Err: fmt.Errorf("server error")}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(&ProviderError{Provider: "image", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")})
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &ProviderError{Provider: "image", Err: err}
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, &ProviderError{Provider: "image", Err: err}
	}
	return data, nil
}
