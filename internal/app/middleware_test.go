package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestLoggingCapturesStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rr.Code)
	}
	out := buf.String()
	for _, want := range []string{"http.request", "status=418", "path=/teapot"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line missing %q: %q", want, out)
		}
	}
}

func TestLoggingResponseWriterPreservesFlusher(t *testing.T) {
	t.Parallel()

	// The recorder implements http.Flusher; the wrapper must forward it or
	// WebSocket upgrades break.
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	var w http.ResponseWriter = lrw
	if _, ok := w.(http.Flusher); !ok {
		t.Fatalf("wrapper lost http.Flusher")
	}
	lrw.Flush()
	if !rr.Flushed {
		t.Fatalf("Flush not forwarded")
	}

	if lrw.Unwrap() != rr {
		t.Fatalf("Unwrap does not return the inner writer")
	}
}
