package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"workflow-automation/internal/config"
	"workflow-automation/internal/models"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(_ context.Context, _ json.RawMessage, wfContext map[string]any) (map[string]any, error) {
		return map[string]any{"echo": wfContext["in"]}, nil
	})

	out, err := r.Dispatch(context.Background(), "echo", nil, map[string]any{"in": "hello"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out["echo"] != "hello" {
		t.Fatalf("expected echoed value, got %v", out["echo"])
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "missing", nil, nil)
	if !errors.Is(err, models.ErrUnknownStepType) {
		t.Fatalf("expected ErrUnknownStepType, got %v", err)
	}
}

func TestRegistryIgnoresBadRegistrations(t *testing.T) {
	r := NewRegistry()
	r.Register("", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return nil, nil
	})
	r.Register("nil-handler", nil)

	if _, err := r.Dispatch(context.Background(), "nil-handler", nil, nil); !errors.Is(err, models.ErrUnknownStepType) {
		t.Fatalf("nil handler should not be registered, got %v", err)
	}
}

func TestFetchHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("expected header forwarded, got %q", got)
		}
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, "region,total\nwest,42")
	}))
	defer srv.Close()

	h := NewFetchHandler(config.Config{})
	cfg, _ := json.Marshal(map[string]any{
		"url":        srv.URL,
		"headers":    map[string]string{"X-Api-Key": "secret"},
		"output_key": "sales",
	})

	out, err := h.Handle(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["sales"] != "region,total\nwest,42" {
		t.Fatalf("unexpected body: %v", out["sales"])
	}
	if out["sales_type"] != "text/csv" {
		t.Fatalf("unexpected content type: %v", out["sales_type"])
	}
}

func TestFetchHandlerBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewFetchHandler(config.Config{})
	cfg, _ := json.Marshal(map[string]any{"url": srv.URL})

	if _, err := h.Handle(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestFetchHandlerBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	h := NewFetchHandler(config.Config{FetchMaxBytes: 10})
	cfg, _ := json.Marshal(map[string]any{"url": srv.URL})

	if _, err := h.Handle(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error when body exceeds limit")
	}
}

func TestParseReport(t *testing.T) {
	wfContext := map[string]any{
		"report": "region,total\nwest,42\neast,17",
	}

	out, err := ParseReport(context.Background(), nil, wfContext)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rows, ok := out["rows"].([]map[string]string)
	if !ok {
		t.Fatalf("expected row maps, got %T", out["rows"])
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["region"] != "west" || rows[0]["total"] != "42" {
		t.Fatalf("unexpected first row: %v", rows[0])
	}
	if out["rows_count"] != 2 {
		t.Fatalf("expected count 2, got %v", out["rows_count"])
	}
}

func TestParseReportMissingInput(t *testing.T) {
	if _, err := ParseReport(context.Background(), nil, map[string]any{}); err == nil {
		t.Fatalf("expected error when input key missing")
	}
}

type fakeUploader struct {
	key         string
	body        []byte
	contentType string
	err         error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.key, f.body, f.contentType = key, body, contentType
	return nil
}

func TestArchiveHandler(t *testing.T) {
	up := &fakeUploader{}
	h := NewArchiveHandler(up)
	cfg, _ := json.Marshal(map[string]any{
		"input_key":    "report",
		"key":          "reports/2025-03-01.csv",
		"content_type": "text/csv",
	})

	out, err := h.Handle(context.Background(), cfg, map[string]any{"report": "a,b\n1,2"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if up.key != "reports/2025-03-01.csv" || string(up.body) != "a,b\n1,2" || up.contentType != "text/csv" {
		t.Fatalf("unexpected upload: key=%q body=%q type=%q", up.key, up.body, up.contentType)
	}
	if out["archived_key"] != "reports/2025-03-01.csv" {
		t.Fatalf("expected archived_key output, got %v", out["archived_key"])
	}
}

func TestArchiveHandlerUploadFailure(t *testing.T) {
	h := NewArchiveHandler(&fakeUploader{err: errors.New("bucket unavailable")})
	cfg, _ := json.Marshal(map[string]any{"key": "k"})

	if _, err := h.Handle(context.Background(), cfg, map[string]any{"report": "body"}); err == nil {
		t.Fatalf("expected upload error surfaced")
	}
}

func TestDelayObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg, _ := json.Marshal(map[string]any{"duration_ms": 10000})
	if _, err := Delay(ctx, cfg, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, config.Config{}, nil)

	if _, err := r.Dispatch(context.Background(), TypeNoop, nil, nil); err != nil {
		t.Fatalf("noop: %v", err)
	}
	// No uploader configured, so archive is deliberately absent.
	if _, err := r.Dispatch(context.Background(), TypeReportArchive, nil, nil); !errors.Is(err, models.ErrUnknownStepType) {
		t.Fatalf("expected archive unregistered without uploader, got %v", err)
	}
}
