package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/httpclient"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiProvider calls the Gemini REST API directly. JSON output mode is
// forced; thought signatures arrive as a separate response part.
type geminiProvider struct {
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

func newGemini(cfg *config.Config) *geminiProvider {
	return &geminiProvider{
		apiKey:  cfg.GeminiAPIKey,
		baseURL: geminiBaseURL,
		client:  httpclient.New(httpclient.WithTimeout(apiTimeout)),
	}
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string `json:"text,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

type geminiGenConfig struct {
	ResponseMimeType string `json:"responseMimeType"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (g *geminiProvider) Generate(ctx context.Context, model, prompt string) (Decision, error) {
	if g.apiKey == "" {
		slog.Error("gemini api key missing, returning hibernate")
		return fallbackDecision("Missing Gemini API Key"), nil
	}

	reqBody := geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{ResponseMimeType: "application/json"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("gemini api error", "model", model, "status", resp.StatusCode, "body", truncate(string(body), 500))
		return fallbackDecision(fmt.Sprintf("API Error: %d", resp.StatusCode)), nil
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Decision{}, &OutputError{Cause: err}
	}
	if len(parsed.Candidates) == 0 {
		return Decision{}, &OutputError{Cause: fmt.Errorf("no candidates in response")}
	}

	text := ""
	thoughtSig := ""
	for _, part := range parsed.Candidates[0].Content.Parts {
		text += part.Text
		if part.ThoughtSignature != "" {
			thoughtSig = part.ThoughtSignature
		}
	}
	return parseDecision(text, thoughtSig)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
