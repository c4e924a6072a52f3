package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/jobs"
	"printgate/internal/model"
	"printgate/internal/pricing"
	"printgate/internal/quota"
	"printgate/internal/secure"
	"printgate/internal/spool"
	"printgate/internal/store"
)

type nopReleaser struct {
	mu sync.Mutex
	n  int
}

func (r *nopReleaser) Schedule(model.PrintJob) {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

type testServer struct {
	t   *testing.T
	srv *Server
	h   http.Handler
	st  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureDefaultPrinter(ctx))

	ledger := quota.NewLedger(st)
	svc := &jobs.Service{
		Store:    st,
		Pricing:  pricing.NewResolver(st),
		Ledger:   ledger,
		Spool:    spool.Spool{Dir: filepath.Join(dir, "spool")},
		Releaser: &nopReleaser{},
	}
	srv := &Server{
		Store:  st,
		Jobs:   svc,
		Ledger: ledger,
		Secure: secure.New(st, svc, []byte("api-secret")),
	}
	ts := &testServer{t: t, srv: srv, h: srv.Handler(), st: st}
	ts.addUser("alice", "1.00", model.RoleUser)
	ts.addUser("bob", "5.00", model.RoleUser)
	ts.addUser("root", "0", model.RoleAdmin)
	return ts
}

func (ts *testServer) addUser(name, balance string, role model.Role) {
	ts.t.Helper()
	ctx := context.Background()
	require.NoError(ts.t, ts.st.WithTx(ctx, false, func(tx *sql.Tx) error {
		_, err := ts.st.CreateUser(ctx, tx, store.NewUser{
			Username:   name,
			Password:   name + "-pw",
			PIN:        "1234",
			Role:       role,
			Balance:    decimal.RequireFromString(balance),
			QuotaLimit: 100,
		})
		return err
	}))
}

func (ts *testServer) do(user, method, path string, body io.Reader, contentType string) (*httptest.ResponseRecorder, map[string]interface{}) {
	ts.t.Helper()
	req := httptest.NewRequest(method, "http://printgate"+path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.SetBasicAuth(user, user+"-pw")
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	out := map[string]interface{}{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &out), "body %s", rec.Body.String())
	}
	return rec, out
}

func (ts *testServer) doJSON(user, method, path string, v interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	ts.t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(ts.t, err)
		body = bytes.NewReader(data)
	}
	return ts.do(user, method, path, body, "application/json")
}

func (ts *testServer) submit(user, path, fileName string, fields map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	ts.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(ts.t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(ts.t, err)
	_, _ = fw.Write([]byte("%PDF-1.4 test document"))
	require.NoError(ts.t, mw.Close())
	return ts.do(user, http.MethodPost, path, &buf, mw.FormDataContentType())
}

func jobID(t *testing.T, body map[string]interface{}) int64 {
	t.Helper()
	id, ok := body["id"].(float64)
	require.True(t, ok, "no job id in %v", body)
	return int64(id)
}

func TestRequiresBasicAuth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do("", http.MethodGet, "/api/jobs", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `Basic realm="printgate"`)
	assert.Equal(t, "auth_failure", body["kind"])

	req := httptest.NewRequest(http.MethodGet, "http://printgate/api/jobs", nil)
	req.SetBasicAuth("alice", "wrong")
	rec = httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutingErrors(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do("alice", http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = ts.do("alice", http.MethodGet, "/api/jobs/abc", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = ts.do("alice", http.MethodGet, "/api/jobs/1/release", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	rec, body := ts.do("", http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitListGetReleaseFlow(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.submit("alice", "/api/jobs", "report.pdf", map[string]string{"pages": "10", "copies": "1", "color_mode": "bw"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "0.50", body["total_cost"])
	assert.NotContains(t, body, "file_path")
	id := jobID(t, body)

	rec, body = ts.do("alice", http.MethodGet, "/api/jobs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, body = ts.do("bob", http.MethodGet, "/api/jobs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["total"])

	rec, body = ts.do("bob", http.MethodGet, "/api/jobs/"+itoa(id), nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", body["kind"])

	rec, _ = ts.do("root", http.MethodGet, "/api/jobs/"+itoa(id), nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = ts.do("bob", http.MethodGet, "/api/jobs?all=1", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, body = ts.do("root", http.MethodGet, "/api/jobs?all=1&status=pending", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, body = ts.do("alice", http.MethodPost, "/api/jobs/"+itoa(id)+"/release", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "printing", body["status"])

	rec, body = ts.do("alice", http.MethodPost, "/api/jobs/"+itoa(id)+"/release", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", body["kind"])

	rec, body = ts.do("alice", http.MethodGet, "/api/quota", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, body["pages_printed"])
	assert.EqualValues(t, 90, body["pages_remaining"])
	assert.Equal(t, "0.50", body["balance"])
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.submit("alice", "/api/jobs", "virus.exe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["kind"])

	rec, body = ts.submit("alice", "/api/jobs", "a.pdf", map[string]string{"copies": "many"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["kind"])

	rec, body = ts.submit("alice", "/api/jobs", "a.pdf", map[string]string{"pages": "101"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "quota_exceeded", body["kind"])

	rec, body = ts.submit("alice", "/api/jobs", "a.pdf", map[string]string{"pages": "30", "color_mode": "color"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", body["kind"])

	rec, body = ts.submit("alice", "/api/jobs", "a.pdf", map[string]string{"printer": "Nowhere"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = ts.do("alice", http.MethodPost, "/api/jobs", strings.NewReader("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.MaxRequestSize = 64
	ts.h = ts.srv.Handler()

	rec, body := ts.submit("alice", "/api/jobs", "big.pdf", map[string]string{"notes": strings.Repeat("x", 512)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request too large", body["error"])
}

func TestCancelAndBulkRelease(t *testing.T) {
	ts := newTestServer(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		rec, body := ts.submit("bob", "/api/jobs", "doc.txt", map[string]string{"pages": "2"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, jobID(t, body))
	}

	rec, body := ts.do("alice", http.MethodPost, "/api/jobs/"+itoa(ids[0])+"/cancel", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, body = ts.do("bob", http.MethodPost, "/api/jobs/"+itoa(ids[0])+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["status"])

	rec, body = ts.doJSON("bob", http.MethodPost, "/api/jobs/release", map[string]interface{}{"job_ids": ids})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, body["released"], 2)
	failed := body["failed"].(map[string]interface{})
	require.Contains(t, failed, itoa(ids[0]))
	assert.Equal(t, "invalid_state", failed[itoa(ids[0])].(map[string]interface{})["kind"])

	rec, _ = ts.doJSON("bob", http.MethodPost, "/api/jobs/release", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = ts.doJSON("bob", http.MethodPost, "/api/jobs/release", map[string]interface{}{"jobs": ids})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	var entry model.QueueEntry
	require.NoError(t, ts.st.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		entry, err = ts.st.CreateQueueEntry(ctx, tx, model.QueueEntry{
			FileName:  "dfA001host",
			SpoolPath: filepath.Join(t.TempDir(), "dfA001host"),
			SizeBytes: 12,
			QueueName: "lp",
			Username:  "bob",
			Status:    model.QueuePending,
		})
		return err
	}))

	rec, body := ts.do("alice", http.MethodGet, "/api/queue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["entries"], 0)

	rec, body = ts.do("bob", http.MethodGet, "/api/queue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["entries"], 1)

	rec, _ = ts.doJSON("alice", http.MethodPost, "/api/queue/"+itoa(entry.ID)+"/claim", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = ts.doJSON("bob", http.MethodPost, "/api/queue/"+itoa(entry.ID)+"/claim", map[string]interface{}{"pages": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "0.15", body["total_cost"])

	rec, _ = ts.doJSON("bob", http.MethodPost, "/api/queue/"+itoa(entry.ID)+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec, _ = ts.doJSON("bob", http.MethodPost, "/api/queue/999/claim", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecureReleaseFlow(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.submit("alice", "/api/secure/submit", "payslip.pdf", map[string]string{"pages": "4"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	code, _ := body["print_code"].(string)
	require.Len(t, code, secure.CodeLength)
	held := int64(body["job_id"].(float64))

	rec, body = ts.doJSON("", http.MethodPost, "/api/secure/authenticate", map[string]interface{}{
		"method": "print_code", "print_code": code, "printer_id": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.Len(t, body["jobs"], 1)
	assert.Equal(t, "alice", body["user"].(map[string]interface{})["username"])

	rec, body = ts.doJSON("", http.MethodPost, "/api/secure/release", map[string]interface{}{"token": token, "job_ids": []int64{held, 4242}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, body["released"], 1)
	assert.Equal(t, "0.20", body["total_cost"])
	assert.Equal(t, "not found", body["skipped"].(map[string]interface{})["4242"])

	rec, body = ts.doJSON("", http.MethodPost, "/api/secure/release", map[string]interface{}{"token": token, "job_ids": []int64{held}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth_failure", body["kind"])

	rec, body = ts.doJSON("", http.MethodPost, "/api/secure/authenticate", map[string]interface{}{
		"method": "pin", "username": "alice", "pin": "0000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, body["error"], "authentication failed")

	rec, _ = ts.doJSON("", http.MethodPost, "/api/secure/authenticate", map[string]interface{}{"method": "retina"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPanelConfig(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do("", http.MethodGet, "/api/secure/panel/1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Default", body["printer_name"])
	assert.Len(t, body["methods"], 4)
	assert.EqualValues(t, 300, body["session_timeout"])

	rec, _ = ts.do("", http.MethodGet, "/api/secure/panel/77", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
