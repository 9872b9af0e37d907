package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("bare context = %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("empty id stored: %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "abc")); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
}

func serveRequestID(t *testing.T, inbound string) (ctxID, respID string) {
	t.Helper()
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	if inbound != "" {
		req.Header.Set("X-Request-Id", inbound)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get("X-Request-Id")
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	ctxID, respID := serveRequestID(t, "")
	if _, err := uuid.Parse(ctxID); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", ctxID, err)
	}
	if respID != ctxID {
		t.Fatalf("response header %q != context id %q", respID, ctxID)
	}
}

func TestRequestID_PropagatesInbound(t *testing.T) {
	ctxID, respID := serveRequestID(t, "scrape-42")
	if ctxID != "scrape-42" || respID != "scrape-42" {
		t.Fatalf("ctx=%q resp=%q, want inbound id kept", ctxID, respID)
	}
}

func TestRequestID_ReplacesMalformed(t *testing.T) {
	for _, bad := range []string{"has space", "tab\there", strings.Repeat("a", maxRequestIDLen+1), "café"} {
		ctxID, _ := serveRequestID(t, bad)
		if ctxID == bad {
			t.Errorf("malformed id %q was kept", bad)
		}
		if _, err := uuid.Parse(ctxID); err != nil {
			t.Errorf("replacement for %q is not a uuid: %q", bad, ctxID)
		}
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	a, _ := serveRequestID(t, "")
	b, _ := serveRequestID(t, "")
	if a == b {
		t.Fatalf("two requests got the same id %q", a)
	}
}
