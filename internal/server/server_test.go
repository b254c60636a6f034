package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/provenance-ledger/internal/health"
	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/jmerrifield20/provenance-ledger/internal/server"
	"go.uber.org/zap"
)

var testKey = []byte("k1")

// writeLedger creates a ledger with n records and returns its path and the
// digest of the last record.
func writeLedger(t *testing.T, n int) (string, ledger.Digest) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genome.dat")
	w, err := ledger.Open(path, testKey)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for i := 0; i < n; i++ {
		if _, err := w.Append("TICK", fmt.Sprintf("n=%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	return path, w.LastDigest()
}

func setupRouter(t *testing.T, path string, cfg server.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := server.NewLedgerHandler(path, testKey, zap.NewNop())
	return server.NewRouter(h, cfg, zap.NewNop())
}

func get(router http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthz_200(t *testing.T) {
	router := setupRouter(t, "unused", server.Config{})

	w := get(router, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not set")
	}
}

func TestHealthz_reportsLastCheck(t *testing.T) {
	path, _ := writeLedger(t, 2)
	checker := health.New(path, testKey, health.Config{}, zap.NewNop())
	router := setupRouter(t, path, server.Config{Health: checker})

	if _, ok := decode(t, get(router, "/healthz"))["ledger"]; ok {
		t.Error("ledger state must be absent before the first check")
	}

	checker.Check()
	resp := decode(t, get(router, "/healthz"))
	state, ok := resp["ledger"].(map[string]any)
	if !ok {
		t.Fatalf("expected ledger state, got %v", resp)
	}
	if state["healthy"] != true || state["status"] != "ok" {
		t.Errorf("unexpected ledger state: %v", state)
	}
}

func TestLedgerOverview_200(t *testing.T) {
	path, root := writeLedger(t, 3)
	router := setupRouter(t, path, server.Config{})

	w := get(router, "/api/v1/ledger")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if int(resp["records"].(float64)) != 3 {
		t.Errorf("expected 3 records, got %v", resp["records"])
	}
	if resp["root"] != root.String() {
		t.Errorf("expected root %s, got %v", root, resp["root"])
	}
}

func TestLedgerOverview_emptyIsGenesis(t *testing.T) {
	path, _ := writeLedger(t, 0)
	router := setupRouter(t, path, server.Config{})

	resp := decode(t, get(router, "/api/v1/ledger"))
	if int(resp["records"].(float64)) != 0 || resp["root"] != ledger.GenesisDigest.String() {
		t.Errorf("unexpected overview of empty ledger: %v", resp)
	}
}

func TestLedgerOverview_404(t *testing.T) {
	router := setupRouter(t, filepath.Join(t.TempDir(), "absent.dat"), server.Config{})

	if w := get(router, "/api/v1/ledger"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestLedgerOverview_409_malformed(t *testing.T) {
	path, _ := writeLedger(t, 2)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not a record\n")
	f.Close()
	router := setupRouter(t, path, server.Config{})

	w := get(router, "/api/v1/ledger")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if line := int(decode(t, w)["line"].(float64)); line != 2 {
		t.Errorf("expected malformed line 2, got %d", line)
	}
}

func TestLedgerVerify_200(t *testing.T) {
	path, root := writeLedger(t, 4)
	router := setupRouter(t, path, server.Config{})

	w := get(router, "/api/v1/ledger/verify")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["valid"] != true || resp["status"] != "ok" {
		t.Errorf("expected valid ledger, got %v", resp)
	}
	if int(resp["records"].(float64)) != 4 || resp["root"] != root.String() {
		t.Errorf("unexpected records/root: %v", resp)
	}
	if _, ok := resp["index"]; ok {
		t.Error("index must only be reported for corrupted ledgers")
	}
}

func TestLedgerVerify_corrupted(t *testing.T) {
	path, _ := writeLedger(t, 3)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Last byte before the final newline is in the payload of record 2.
	data[len(data)-2] ^= 0x01
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	router := setupRouter(t, path, server.Config{})

	resp := decode(t, get(router, "/api/v1/ledger/verify"))
	if resp["valid"] != false || resp["status"] != "corrupted" {
		t.Fatalf("expected corrupted, got %v", resp)
	}
	if int(resp["index"].(float64)) != 2 {
		t.Errorf("expected index 2, got %v", resp["index"])
	}
	if resp["reason"] == "" {
		t.Error("expected a reason")
	}
}

func TestLedgerVerify_missing(t *testing.T) {
	router := setupRouter(t, filepath.Join(t.TempDir(), "absent.dat"), server.Config{})

	resp := decode(t, get(router, "/api/v1/ledger/verify"))
	if resp["valid"] != false || resp["status"] != "missing_file" {
		t.Errorf("expected missing_file, got %v", resp)
	}
}

func TestLedgerVerify_rateLimited(t *testing.T) {
	path, _ := writeLedger(t, 1)
	router := setupRouter(t, path, server.Config{VerifyRPS: 1})

	// Burst is twice the rate.
	for i := 0; i < 2; i++ {
		if w := get(router, "/api/v1/ledger/verify"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := get(router, "/api/v1/ledger/verify")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if w := get(router, "/api/v1/ledger"); w.Code != http.StatusOK {
		t.Errorf("overview must not be rate limited, got %d", w.Code)
	}
}

func TestNoRecordContentRoutes(t *testing.T) {
	path, _ := writeLedger(t, 1)
	router := setupRouter(t, path, server.Config{})

	if w := get(router, "/api/v1/ledger/entries/0"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for record content route, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	router := setupRouter(t, "unused", server.Config{})

	w := get(router, "/healthz")
	if w.Header().Get(server.RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}

	const id = "0b7c7a5e-3a52-4a8e-9f43-2d1f6f1a9c10"
	if got := get(router, "/healthz", server.RequestIDHeader, id).Header().Get(server.RequestIDHeader); got != id {
		t.Errorf("expected incoming id to be reused, got %q", got)
	}
	if got := get(router, "/healthz", server.RequestIDHeader, "not-a-uuid").Header().Get(server.RequestIDHeader); got == "not-a-uuid" {
		t.Error("malformed incoming id must be replaced")
	}
}

func TestCORS(t *testing.T) {
	router := setupRouter(t, "unused", server.Config{CORSOrigins: []string{"http://localhost:3000"}})

	w := get(router, "/healthz", "Origin", "http://localhost:3000")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	w = get(router, "/healthz", "Origin", "http://evil.example")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for disallowed origin, got %d", w.Code)
	}
}

func TestServe_gracefulShutdown(t *testing.T) {
	path, _ := writeLedger(t, 1)
	router := setupRouter(t, path, server.Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln, router, zap.NewNop()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
