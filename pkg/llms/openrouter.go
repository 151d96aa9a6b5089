package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/httpclient"
)

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// openRouterProvider speaks the OpenAI-style chat completions API. A
// ":thinking" suffix on the model id turns on high reasoning effort.
type openRouterProvider struct {
	apiKey   string
	siteURL  string
	appName  string
	endpoint string
	client   *httpclient.Client
}

func newOpenRouter(cfg *config.Config) *openRouterProvider {
	return &openRouterProvider{
		apiKey:   cfg.OpenRouterAPIKey,
		siteURL:  cfg.OpenRouterSiteURL,
		appName:  cfg.OpenRouterAppName,
		endpoint: openRouterURL,
		client:   httpclient.New(httpclient.WithTimeout(apiTimeout)),
	}
}

type openRouterRequest struct {
	Model          string              `json:"model"`
	Messages       []openRouterMessage `json:"messages"`
	ResponseFormat map[string]string   `json:"response_format"`
	Reasoning      map[string]string   `json:"reasoning,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *openRouterProvider) Generate(ctx context.Context, model, prompt string) (Decision, error) {
	modelID := model
	useThinking := strings.Contains(modelID, ":thinking")
	if useThinking {
		modelID = strings.SplitN(modelID, ":", 2)[0]
	}

	reqBody := openRouterRequest{
		Model:          modelID,
		Messages:       []openRouterMessage{{Role: "user", Content: prompt}},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if useThinking {
		reqBody.Reasoning = map[string]string{"effort": "high"}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal openrouter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", o.siteURL)
	req.Header.Set("X-Title", o.appName)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("openrouter request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read openrouter response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("openrouter api error", "model", modelID, "status", resp.StatusCode, "body", truncate(string(body), 500))
		return fallbackDecision(fmt.Sprintf("OR Error: %d", resp.StatusCode)), nil
	}

	var parsed openRouterResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Decision{}, &OutputError{Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return Decision{}, &OutputError{Cause: fmt.Errorf("no choices in response")}
	}

	// OpenRouter never surfaces thought signatures out of band.
	return parseDecision(parsed.Choices[0].Message.Content, "")
}
