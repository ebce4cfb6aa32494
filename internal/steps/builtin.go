package steps

import (
	"context"
	"encoding/json"
	"time"

	"workflow-automation/internal/config"
)

// Built-in step types. CRM portal automation, mailbox ingestion, insight
// generation, and email delivery are external collaborators that register
// their own types at worker startup.
const (
	TypeReportFetch   = "report.fetch"
	TypeReportParse   = "report.parse"
	TypeReportArchive = "report.archive"
	TypeNoop          = "noop"
	TypeDelay         = "delay"
)

// RegisterBuiltins wires the handlers this repo ships with. The archive
// handler is only registered when an uploader is available (bucket
// configured), so workflows that reference it fail fast otherwise.
func RegisterBuiltins(r *Registry, cfg config.Config, uploader Uploader) {
	r.Register(TypeReportFetch, NewFetchHandler(cfg).Handle)
	r.Register(TypeReportParse, ParseReport)
	if uploader != nil {
		r.Register(TypeReportArchive, NewArchiveHandler(uploader).Handle)
	}
	r.Register(TypeNoop, Noop)
	r.Register(TypeDelay, Delay)
}

// Noop succeeds without touching the context. Useful as a placeholder
// step in smoke-test workflows.
func Noop(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

type delayConfig struct {
	DurationMS int `json:"duration_ms"`
}

// Delay sleeps for the configured duration, observing cancellation.
func Delay(ctx context.Context, rawCfg json.RawMessage, _ map[string]any) (map[string]any, error) {
	var cfg delayConfig
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.DurationMS <= 0 {
		return map[string]any{}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(cfg.DurationMS) * time.Millisecond):
		return map[string]any{}, nil
	}
}
