package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func TestAccessLogLine(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://localhost/api/jobs?x=1", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.SetBasicAuth("alice", "secret")
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	got := AccessLogLine(req, http.StatusCreated, 42, at)
	want := `10.0.0.9 - alice [01/Apr/2026:10:00:00 +0000] "POST /api/jobs?x=1 HTTP/1.1" 201 42`
	if got != want {
		t.Fatalf("AccessLogLine()=%q, want %q", got, want)
	}

	req = httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	if got := AccessLogLine(req, 0, 0, at); !strings.Contains(got, " - - [") || !strings.HasSuffix(got, " 200 0") {
		t.Fatalf("anonymous line = %q", got)
	}
}

func TestPageLogLineFormat(t *testing.T) {
	line := PageLogLine(PageEntry{
		JobID:   42,
		User:    "alice",
		Printer: "Office",
		Title:   "quarterly report.pdf",
		Copies:  2,
		Sheets:  5,
		Cost:    decimal.RequireFromString("0.2"),
		At:      time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	})
	want := "Office alice 42 [01/Apr/2026:10:00:00 +0000] quarterly_report.pdf 2 5 0.20 ok"
	if line != want {
		t.Fatalf("PageLogLine()=%q, want %q", line, want)
	}
}

func TestMiddlewareWritesAccessLog(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access_log")
	logger := Configure(Options{ErrorPath: filepath.Join(dir, "error_log"), AccessPath: accessPath, Level: "debug"})
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level=%v, want debug", logger.GetLevel())
	}
	t.Cleanup(func() { Configure(Options{}) })

	h := HTTPAccessMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://localhost/api/quota", nil))

	data, err := os.ReadFile(accessPath)
	if err != nil {
		t.Fatalf("read access log: %v", err)
	}
	if !strings.Contains(string(data), `"GET /api/quota HTTP/1.1" 418 15`) {
		t.Fatalf("unexpected access log: %q", data)
	}

	logger.WithField("component", "test").Info("hello")
	data, err = os.ReadFile(filepath.Join(dir, "error_log"))
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if !strings.Contains(string(data), "component=test") {
		t.Fatalf("unexpected error log: %q", data)
	}
}
