// Package embedclient talks to the configured embedding endpoint and
// provides a deterministic stand-in for tests that don't have one.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/manifold/convomem/internal/config"
)

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ping(ctx context.Context) error
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type embedResp struct {
	Embedding []float32 `json:"embedding"`
}

// httpEmbedder is the production Embedder, backed by a generic HTTP endpoint
// speaking the {model,prompt,stream:false} -> {embedding} contract.
type httpEmbedder struct {
	cfg    config.EndpointConfig
	client *http.Client
}

// New constructs an Embedder that calls cfg.BaseURL+cfg.Path.
func New(cfg config.EndpointConfig) Embedder {
	return &httpEmbedder{
		cfg:    cfg,
		client: &http.Client{},
	}
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	timeout := time.Duration(e.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(embedReq{Model: e.cfg.Model, Prompt: text, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal request: %w", err)
	}

	url := e.cfg.BaseURL + e.cfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, e.cfg)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedclient: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedclient: endpoint returned %s: %s", resp.Status, truncate(raw, 200))
	}

	var er embedResp
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("embedclient: parse response (%s): %w", truncate(raw, 200), err)
	}
	if len(er.Embedding) == 0 {
		return nil, fmt.Errorf("embedclient: empty embedding in response")
	}
	return er.Embedding, nil
}

func (e *httpEmbedder) Ping(ctx context.Context) error {
	_, err := e.Embed(ctx, "ping")
	if err != nil {
		return fmt.Errorf("embedclient: reachability check failed: %w", err)
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

// deterministicEmbedder hashes byte trigrams into a fixed-size, L2-normalized
// vector. It needs no network and is suitable for tests and local dry runs.
type deterministicEmbedder struct {
	dim int
}

// NewDeterministic constructs a test-double Embedder with the given
// dimension. A non-positive dim falls back to 32.
func NewDeterministic(dim int) Embedder {
	if dim <= 0 {
		dim = 32
	}
	return &deterministicEmbedder{dim: dim}
}

func (d *deterministicEmbedder) Ping(_ context.Context) error { return nil }

func (d *deterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, d.dim)
	b := []byte(text)
	if len(b) == 0 {
		return v, nil
	}
	if len(b) < 3 {
		hashInto(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			hashInto(b[i:i+3], v)
		}
	}
	normalize(v)
	return v, nil
}

func hashInto(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum <= 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
