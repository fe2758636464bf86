package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/inkforge/inkforge-orchestrator/config"
)

// ProviderError is a failure of an external generation collaborator.
// Steps always wrap it before it leaves the pipeline.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s provider failed with status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s provider failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TextService calls the language-generation collaborator. Transient
// failures (5xx, transport errors) are retried with bounded exponential
// backoff before a ProviderError surfaces; 4xx responses are permanent.
type TextService struct {
	BaseURL string
	Client  *http.Client
}

func InitTextService(cfg *config.EnvConfig) *TextService {
	return &TextService{
		BaseURL: cfg.ExternalService.TextGenerationURL,
		Client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type generateTextRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

type generateTextResponse struct {
	Text string `json:"text"`
}

// Generate produces text for the given prompt. The context argument
// carries prior-step material (outline, characters) the provider should
// condition on.
func (s *TextService) Generate(ctx context.Context, prompt, promptContext string) (string, error) {
	body, err := json.Marshal(generateTextRequest{Prompt: prompt, Context: promptContext})
	if err != nil {
		return "", err
	}

	operation := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/generate", bytes.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.Client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return "", &ProviderError{Provider: "text", Status: resp.StatusCode, Err: fmt.Errorf("server error")}
		}
		if resp.StatusCode != http.StatusOK {
			return "", backoff.Permanent(&ProviderError{Provider: "text", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")})
		}

		var out generateTextResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", backoff.Permanent(&ProviderError{Provider: "text", Err: err})
		}
		return out.Text, nil
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return "", perr
		}
		return "", &ProviderError{Provider: "text", Err: err}
	}
	return text, nil
}
