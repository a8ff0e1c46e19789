package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dodji-app/core/internal/platform/observability"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("eligibility_expired", "check again\ntomorrow", http.StatusConflict).
		WithDetails(map[string]any{"retryable": true}))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "eligibility_expired" || body["request_id"] != "req-1" || body["retryable"] != true {
		t.Fatalf("unexpected payload %v", body)
	}
	if msg, _ := body["message"].(string); strings.Contains(msg, "\n") {
		t.Fatalf("expected message without newlines, got %q", msg)
	}
	if _, ok := body["trace_id"]; ok {
		t.Fatalf("expected no trace id without a span")
	}
}

func TestWriteErrorLogsServerFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))

	WriteError(ctx, httptest.NewRecorder(), NewError("internal", "boom", 0))
	WriteError(ctx, httptest.NewRecorder(), NewError("not_found", "missing", http.StatusNotFound))

	if n := logs.FilterMessage("request failed").Len(); n != 1 {
		t.Fatalf("expected one error log, got %d", n)
	}
}
