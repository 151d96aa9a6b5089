package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/httpclient"
)

func TestNewProviderSelection(t *testing.T) {
	p := NewProvider(&config.Config{LLMProvider: "openrouter"})
	_, ok := p.(*openRouterProvider)
	assert.True(t, ok)

	p = NewProvider(&config.Config{LLMProvider: "google"})
	_, ok = p.(*geminiProvider)
	assert.True(t, ok)

	// Anything unrecognized falls through to Google.
	p = NewProvider(&config.Config{LLMProvider: "bananas"})
	_, ok = p.(*geminiProvider)
	assert.True(t, ok)
}

func testGemini(serverURL string) *geminiProvider {
	return &geminiProvider{
		apiKey:  "test-key",
		baseURL: serverURL,
		client:  httpclient.New(httpclient.WithMaxRetries(0)),
	}
}

func TestGeminiGenerate(t *testing.T) {
	var gotPath string
	var gotReq geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{{
				"content": map[string]interface{}{
					"parts": []map[string]interface{}{
						{"text": `{"reasoning": "pondering", "action": {"tool": "hibernate"}}`},
						{"thoughtSignature": "sig-xyz"},
					},
				},
			}},
		})
	}))
	defer server.Close()

	d, err := testGemini(server.URL).Generate(context.Background(), "gemini-2.5-pro", "what now?")
	require.NoError(t, err)
	assert.Equal(t, "/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, "application/json", gotReq.GenerationConfig.ResponseMimeType)
	assert.Equal(t, "pondering", d.Reasoning)
	assert.Equal(t, "hibernate", d.Tool())
	assert.Equal(t, "sig-xyz", d.ThoughtSignature)
}

func TestGeminiMissingKeyHibernates(t *testing.T) {
	p := &geminiProvider{baseURL: "http://unused", client: httpclient.New()}
	d, err := p.Generate(context.Background(), "gemini-2.5-pro", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hibernate", d.Tool())
	assert.Equal(t, "Missing Gemini API Key", d.Reasoning)
}

func TestGeminiAPIErrorHibernates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer server.Close()

	d, err := testGemini(server.URL).Generate(context.Background(), "gemini-2.5-pro", "hello")
	require.NoError(t, err, "API failures hibernate instead of erroring")
	assert.Equal(t, "hibernate", d.Tool())
	assert.Equal(t, "API Error: 429", d.Reasoning)
}

func TestGeminiNoCandidatesIsOutputError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"candidates": []interface{}{}})
	}))
	defer server.Close()

	_, err := testGemini(server.URL).Generate(context.Background(), "gemini-2.5-pro", "hello")
	var outputErr *OutputError
	assert.ErrorAs(t, err, &outputErr)
}

func testOpenRouter(serverURL string) *openRouterProvider {
	return &openRouterProvider{
		apiKey:   "or-key",
		siteURL:  "https://example.test",
		appName:  "guppi-test",
		endpoint: serverURL,
		client:   httpclient.New(httpclient.WithMaxRetries(0)),
	}
}

func TestOpenRouterGenerate(t *testing.T) {
	var gotReq openRouterRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"content": `{"reasoning": "ok", "action": {"tool": "hibernate"}}`,
				},
			}},
		})
	}))
	defer server.Close()

	d, err := testOpenRouter(server.URL).Generate(context.Background(), "deepseek/deepseek-chat", "what now?")
	require.NoError(t, err)
	assert.Equal(t, "Bearer or-key", gotAuth)
	assert.Equal(t, "deepseek/deepseek-chat", gotReq.Model)
	assert.Equal(t, map[string]string{"type": "json_object"}, gotReq.ResponseFormat)
	assert.Nil(t, gotReq.Reasoning)
	assert.Equal(t, "hibernate", d.Tool())
}

func TestOpenRouterThinkingSuffix(t *testing.T) {
	var gotReq openRouterRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{"content": `{"action": {"tool": "hibernate"}}`},
			}},
		})
	}))
	defer server.Close()

	_, err := testOpenRouter(server.URL).Generate(context.Background(), "anthropic/claude:thinking", "deep question")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude", gotReq.Model)
	assert.Equal(t, map[string]string{"effort": "high"}, gotReq.Reasoning)
}

func TestOpenRouterAPIErrorHibernates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	d, err := testOpenRouter(server.URL).Generate(context.Background(), "some/model", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hibernate", d.Tool())
	assert.Equal(t, "OR Error: 502", d.Reasoning)
}
