package logging

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.size += n
	return n, err
}

// HTTPAccessMiddleware writes one Common Log Format line per request.
func HTTPAccessMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		Access(AccessLogLine(r, rec.status, rec.size, start))
	})
}

func AccessLogLine(r *http.Request, status, size int, at time.Time) string {
	if status == 0 {
		status = http.StatusOK
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	user := "-"
	if u, _, ok := r.BasicAuth(); ok && strings.TrimSpace(u) != "" {
		user = strings.TrimSpace(u)
	}
	return fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %d",
		remote,
		user,
		at.Format("02/Jan/2006:15:04:05 -0700"),
		r.Method,
		r.URL.RequestURI(),
		r.Proto,
		status,
		size,
	)
}

type PageEntry struct {
	JobID   int64
	User    string
	Printer string
	Title   string
	Copies  int
	Sheets  int
	Cost    decimal.Decimal
	Result  string
	At      time.Time
}

// PageLogLine renders "printer user job [time] title copies sheets cost result".
func PageLogLine(e PageEntry) string {
	if e.Copies <= 0 {
		e.Copies = 1
	}
	if strings.TrimSpace(e.Result) == "" {
		e.Result = "ok"
	}
	if strings.TrimSpace(e.User) == "" {
		e.User = "-"
	}
	if strings.TrimSpace(e.Printer) == "" {
		e.Printer = "-"
	}
	if strings.TrimSpace(e.Title) == "" {
		e.Title = "Untitled"
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return strings.Join([]string{
		e.Printer,
		e.User,
		strconv.FormatInt(e.JobID, 10),
		"[" + e.At.Format("02/Jan/2006:15:04:05 -0700") + "]",
		strings.ReplaceAll(e.Title, " ", "_"),
		strconv.Itoa(e.Copies),
		strconv.Itoa(e.Sheets),
		e.Cost.StringFixed(2),
		e.Result,
	}, " ")
}
