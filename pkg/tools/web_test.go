package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	html := `<html><head><title>skip me</title><style>body { color: red }</style></head>
<body><script>var x = 1;</script>
<h1>Big News</h1>
<p>Something &amp; something else happened.</p>
</body></html>`

	text := extractText(html)
	assert.Contains(t, text, "Big News")
	assert.Contains(t, text, "Something & something else happened.")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "skip me")
}

func TestWebSearchTopFive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lighthouse history", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		results := make([]map[string]string, 8)
		for i := range results {
			results[i] = map[string]string{"title": "t", "url": "u"}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
	defer server.Close()

	tool := NewWebSearchTool(server.URL)
	out, err := tool.Execute(context.Background(), "turn-1", map[string]interface{}{"query": "lighthouse history"})
	require.NoError(t, err)
	assert.Equal(t, "success", out.Result["status"])
	assert.Len(t, out.Result["results"], 5)
}

func TestWebSearchZeroResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}})
	}))
	defer server.Close()

	tool := NewWebSearchTool(server.URL)
	out, err := tool.Execute(context.Background(), "turn-1", map[string]interface{}{"query": "xyzzy"})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Result["status"])
}

func TestWebReadCapsContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>"))
		for i := 0; i < 500; i++ {
			w.Write([]byte("some repeated sentence here. "))
		}
		w.Write([]byte("</p></body></html>"))
	}))
	defer server.Close()

	tool := NewWebReadTool()
	out, err := tool.Execute(context.Background(), "turn-1", map[string]interface{}{"url": server.URL})
	require.NoError(t, err)
	assert.Equal(t, "success", out.Result["status"])
	content := out.Result["content"].(string)
	assert.LessOrEqual(t, len(content), 2000)
}

func TestNotifySkippedWithoutConfig(t *testing.T) {
	for _, tool := range NewNotifyTools("", "", abe) {
		out, err := tool.Execute(context.Background(), "turn-1", map[string]interface{}{"message": "hello"})
		require.NoError(t, err)
		assert.Equal(t, "skipped", out.Result["status"])
	}
}

func TestNotifySendsWithHeaders(t *testing.T) {
	var gotBody string
	var gotPriority, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
		gotPriority = r.Header.Get("Priority")
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	notify := NewNotifyTools(server.URL, "token-1", abe)[0]
	out, err := notify.Execute(context.Background(), "turn-1", map[string]interface{}{
		"message":  "need a decision",
		"priority": "high",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", out.Result["status"])
	assert.Equal(t, "[NOTIFY] abe: need a decision", gotBody)
	assert.Equal(t, "high", gotPriority)
	assert.Equal(t, "Bearer token-1", gotAuth)
}
