package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLogger() (*logrus.Logger, *strings.Builder) {
	logger := logrus.New()
	var buf strings.Builder
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestLoggingRecordsStatusAndPath(t *testing.T) {
	logger, buf := newTestLogger()
	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
	logged := buf.String()
	if !strings.Contains(logged, "/sessions/abc") {
		t.Fatalf("expected logged path, got: %s", logged)
	}
	if !strings.Contains(logged, "418") {
		t.Fatalf("expected logged status code, got: %s", logged)
	}
}

func TestRecoveryConvertsPanicToInternalServerError(t *testing.T) {
	logger, buf := newTestLogger()
	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("pipeline exploded")
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestRecoveryThenLoggingChain(t *testing.T) {
	logger, _ := newTestLogger()
	chained := Recovery(logger)(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	chained.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when wrapped handler panics, got %d", rec.Code)
	}
}
