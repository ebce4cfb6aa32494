package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"workflow-automation/internal/config"
)

// FetchHandler downloads a business report over HTTP and stores the body
// in the workflow context for later steps to parse.
type FetchHandler struct {
	client   *http.Client
	maxBytes int64
}

type fetchConfig struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	OutputKey string            `json:"output_key"`
}

func NewFetchHandler(cfg config.Config) *FetchHandler {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &FetchHandler{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (h *FetchHandler) Handle(ctx context.Context, rawCfg json.RawMessage, _ map[string]any) (map[string]any, error) {
	var cfg fetchConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode fetch config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("fetch step requires url")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "report"
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", cfg.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("fetch %s: response exceeds %d bytes", cfg.URL, h.maxBytes)
	}

	return map[string]any{
		cfg.OutputKey:              string(body),
		cfg.OutputKey + "_type":    resp.Header.Get("Content-Type"),
		cfg.OutputKey + "_fetched": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
