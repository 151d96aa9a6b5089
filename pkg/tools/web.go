package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/indoria/guppi/pkg/httpclient"
)

// webSearchTool queries a SearXNG instance for JSON results.
type webSearchTool struct {
	searchURL string
	client    *httpclient.Client
}

func NewWebSearchTool(searchURL string) Tool {
	return &webSearchTool{
		searchURL: searchURL,
		client:    httpclient.New(httpclient.WithTimeout(15 * time.Second)),
	}
}

func (t *webSearchTool) Name() string        { return "web_search" }
func (t *webSearchTool) Description() string { return "Search the internet via SearXNG. Args: query" }

func (t *webSearchTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return done(map[string]interface{}{"status": "error", "message": "No query"})
	}

	u := fmt.Sprintf("%s?q=%s&format=json", t.searchURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Outcome{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return done(map[string]interface{}{"status": "error", "message": err.Error()})
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return done(map[string]interface{}{"status": "error", "code": resp.StatusCode})
	}

	var parsed struct {
		Results []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return done(map[string]interface{}{"status": "error", "message": err.Error()})
	}

	if len(parsed.Results) == 0 {
		return done(map[string]interface{}{
			"status":  "failed",
			"message": "Zero results found. Your query might be too specific, or the search engine is blocking requests. Try simplifying keywords.",
		})
	}

	top := parsed.Results
	if len(top) > 5 {
		top = top[:5]
	}
	results := make([]map[string]string, 0, len(top))
	for _, r := range top {
		results = append(results, map[string]string{"title": r.Title, "url": r.URL})
	}
	return done(map[string]interface{}{"status": "success", "results": results})
}

// webReadTool fetches a page and extracts readable text.
type webReadTool struct {
	client *httpclient.Client
}

func NewWebReadTool() Tool {
	return &webReadTool{client: httpclient.New(httpclient.WithTimeout(30 * time.Second))}
}

func (t *webReadTool) Name() string { return "web_read" }
func (t *webReadTool) Description() string {
	return "Read a webpage as text. More useful when used in conjunction with search. Args: url"
}

func (t *webReadTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	pageURL, _ := args["url"].(string)
	if pageURL == "" {
		return done(map[string]interface{}{"status": "error", "message": "No URL"})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Outcome{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return done(map[string]interface{}{"status": "error", "message": err.Error()})
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return done(map[string]interface{}{"status": "error", "code": resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return done(map[string]interface{}{"status": "error", "message": err.Error()})
	}

	text := extractText(string(body))
	if text == "" {
		text = "No content"
	}
	if len(text) > 2000 {
		text = text[:2000]
	}
	return done(map[string]interface{}{"status": "success", "content": text})
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript|head)[^>]*>.*?</(script|style|noscript|head)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// extractText strips markup down to readable article text. Crude next to a
// real readability pass, but enough for an agent skimming a page.
func extractText(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return blankRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

// notifyTool covers both notify_human and alert_human over ntfy.
type notifyTool struct {
	name      string
	desc      string
	kind      string
	ntfyURL   string
	ntfyToken string
	agentName func() string
	client    *httpclient.Client
}

func NewNotifyTools(ntfyURL, ntfyToken string, agentName func() string) []Tool {
	client := httpclient.New(httpclient.WithTimeout(5 * time.Second))
	return []Tool{
		&notifyTool{
			name:      "notify_human",
			desc:      "Notify the human operator for coordination, questions, or permission. Use when you need a human decision before proceeding. This is non-urgent. Args: message, priority (optional)",
			kind:      "NOTIFY",
			ntfyURL:   ntfyURL,
			ntfyToken: ntfyToken,
			agentName: agentName,
			client:    client,
		},
		&notifyTool{
			name:      "alert_human",
			desc:      "Alert the human operator about urgent issues, safety concerns, or broken invariants. Use sparingly for situations requiring immediate attention. Args: message, priority (optional)",
			kind:      "ALERT",
			ntfyURL:   ntfyURL,
			ntfyToken: ntfyToken,
			agentName: agentName,
			client:    client,
		},
	}
}

func (t *notifyTool) Name() string        { return t.name }
func (t *notifyTool) Description() string { return t.desc }

func (t *notifyTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	if t.ntfyURL == "" || t.ntfyToken == "" {
		return done(map[string]interface{}{
			"status": "skipped",
			"reason": "ntfy_not_configured. Human may not be contactable. You might have to wait until they check in.",
		})
	}

	message, _ := args["message"].(string)
	priority, _ := args["priority"].(string)
	if priority == "" {
		priority = "default"
	}

	body := fmt.Sprintf("[%s] %s: %s", t.kind, t.agentName(), message)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.ntfyURL, strings.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Priority", priority)
	req.Header.Set("Authorization", "Bearer "+t.ntfyToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return done(map[string]interface{}{"status": "failed", "error": err.Error(), "kind": t.kind})
	}
	defer resp.Body.Close()
	return done(map[string]interface{}{"status": "sent", "code": resp.StatusCode, "kind": t.kind})
}
