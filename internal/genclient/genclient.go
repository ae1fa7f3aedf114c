// Package genclient talks to the configured text-generation endpoint used
// for summarization and key-information extraction.
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manifold/convomem/internal/config"
)

// Generator produces free-form text completions from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Ping(ctx context.Context) error
}

type genReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type genResp struct {
	Response string `json:"response"`
}

// httpGenerator is the production Generator, backed by a generic HTTP
// endpoint speaking the {model,prompt,stream:false} -> {response} contract.
type httpGenerator struct {
	cfg    config.EndpointConfig
	client *http.Client
}

// New constructs a Generator that calls cfg.BaseURL+cfg.Path.
func New(cfg config.EndpointConfig) Generator {
	return &httpGenerator{cfg: cfg, client: &http.Client{}}
}

func (g *httpGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	timeout := time.Duration(g.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(genReq{Model: g.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("genclient: marshal request: %w", err)
	}

	url := g.cfg.BaseURL + g.cfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("genclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, g.cfg)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("genclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("genclient: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("genclient: endpoint returned %s: %s", resp.Status, truncate(raw, 200))
	}

	var gr genResp
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("genclient: parse response (%s): %w", truncate(raw, 200), err)
	}
	return gr.Response, nil
}

func (g *httpGenerator) Ping(ctx context.Context) error {
	if _, err := g.Generate(ctx, "ping"); err != nil {
		return fmt.Errorf("genclient: reachability check failed: %w", err)
	}
	return nil
}

func setAuth(req *http.Request, cfg config.EndpointConfig) {
	if cfg.APIKey == "" {
		return
	}
	if cfg.APIHeader == "" || cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		return
	}
	req.Header.Set(cfg.APIHeader, cfg.APIKey)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// Echo is a deterministic, network-free Generator for tests: it returns a
// summary-shaped stub of the prefix plus at most the first 200 characters of
// the trimmed prompt so callers can
// exercise truncation/fallback logic without a live endpoint.
type Echo struct {
	Prefix string
}

func (e Echo) Generate(_ context.Context, prompt string) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "summary:"
	}
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return prefix + " " + trimmed, nil
}

func (e Echo) Ping(_ context.Context) error { return nil }
