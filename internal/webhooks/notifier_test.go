package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	sigs     []string
	statuses []int
}

func (c *capture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.bodies = append(c.bodies, body)
		c.sigs = append(c.sigs, r.Header.Get(SignatureHeader))
		status := http.StatusOK
		if len(c.statuses) > 0 {
			status, c.statuses = c.statuses[0], c.statuses[1:]
		}
		w.WriteHeader(status)
	}
}

func TestDispatch_signedDelivery(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Secret: "s3cret", Backoff: []time.Duration{0}}, zap.NewNop())
	var outcomes []bool
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	id := n.Dispatch(context.Background(), EventLedgerCorrupted, map[string]string{"index": "4"})
	n.Wait()

	if len(c.bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(c.bodies))
	}
	if want := Sign(c.bodies[0], "s3cret"); c.sigs[0] != want {
		t.Errorf("signature = %q, want %q", c.sigs[0], want)
	}

	var ev Event
	if err := json.Unmarshal(c.bodies[0], &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.ID != id || ev.Type != EventLedgerCorrupted || ev.Payload["index"] != "4" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if len(outcomes) != 1 || !outcomes[0] {
		t.Errorf("metrics outcomes = %v, want [true]", outcomes)
	}
}

func TestDispatch_retriesUntilSuccess(t *testing.T) {
	c := &capture{statuses: []int{http.StatusInternalServerError, http.StatusBadGateway}}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Backoff: []time.Duration{0, time.Millisecond, time.Millisecond}}, zap.NewNop())
	var outcomes []bool
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	n.Dispatch(context.Background(), EventLedgerRecovered, nil)
	n.Wait()

	if len(c.bodies) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(c.bodies))
	}
	if c.sigs[0] != "" {
		t.Errorf("no secret must mean no signature header, got %q", c.sigs[0])
	}
	if len(outcomes) != 3 || outcomes[0] || outcomes[1] || !outcomes[2] {
		t.Errorf("metrics outcomes = %v, want [false false true]", outcomes)
	}
}

func TestDispatch_givesUpAfterBackoff(t *testing.T) {
	c := &capture{statuses: []int{500, 500, 500}}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Backoff: []time.Duration{0, time.Millisecond}}, zap.NewNop())
	n.Dispatch(context.Background(), EventLedgerMissing, nil)
	n.Wait()

	if len(c.bodies) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(c.bodies))
	}
}

func TestDispatch_cancelAbandonsRetries(t *testing.T) {
	c := &capture{statuses: []int{500}}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	n := New(Config{URL: srv.URL, Backoff: []time.Duration{0, time.Hour}}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	n.Dispatch(ctx, EventLedgerError, nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.bodies)
		c.mu.Unlock()
		if got == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first attempt never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not stop after cancel")
	}
}

func TestSign(t *testing.T) {
	if Sign([]byte("x"), "") != "" {
		t.Error("empty secret must produce no signature")
	}
	a := Sign([]byte("body"), "k")
	if len(a) != len("sha256=")+64 || a[:7] != "sha256=" {
		t.Errorf("unexpected signature format %q", a)
	}
	if a == Sign([]byte("body2"), "k") {
		t.Error("different bodies must sign differently")
	}
}
