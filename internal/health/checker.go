// Package health re-verifies a ledger on a fixed interval and tracks whether
// it is still intact.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
}

// MetricsRecordFunc is an optional callback for recording each verification.
type MetricsRecordFunc func(res ledger.Result, err error, took time.Duration)

// TransitionFunc is an optional callback fired when the ledger moves between
// healthy and unhealthy.
type TransitionFunc func(prev, cur Report)

// Report is the outcome of one check.
type Report struct {
	CheckedAt time.Time
	Result    ledger.Result
	Err       error
}

// Healthy reports whether the check completed and the ledger verified.
func (r Report) Healthy() bool {
	return r.Err == nil && r.Result.OK()
}

// Checker runs periodic verifications of one ledger file.
type Checker struct {
	path string
	key  []byte
	cfg  Config

	mu      sync.Mutex
	last    Report
	checked bool

	onMetrics    MetricsRecordFunc
	onTransition TransitionFunc
	now          func() time.Time
	logger       *zap.Logger
}

// New creates a Checker for the ledger at path. The key is copied.
func New(path string, key []byte, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	return &Checker{
		path:   path,
		key:    append([]byte(nil), key...),
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// SetTransitionHook configures the healthy/unhealthy transition callback.
func (h *Checker) SetTransitionHook(fn TransitionFunc) {
	h.onTransition = fn
}

// Start checks once immediately, then on every interval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	h.Check()

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Check verifies the ledger once and records the outcome.
func (h *Checker) Check() Report {
	start := h.now()
	res, err := ledger.Verify(h.path, h.key)
	cur := Report{CheckedAt: start.UTC(), Result: res, Err: err}

	if h.onMetrics != nil {
		h.onMetrics(res, err, h.now().Sub(start))
	}

	h.mu.Lock()
	prev, hadPrev := h.last, h.checked
	h.last, h.checked = cur, true
	h.mu.Unlock()

	switch {
	case err != nil:
		h.logger.Warn("health: verify failed", zap.String("path", h.path), zap.Error(err))
	case !res.OK():
		h.logger.Warn("health: ledger unhealthy", zap.String("path", h.path), zap.String("result", res.String()))
	}

	// Transition: the first check counts as a transition only when unhealthy.
	if (hadPrev && prev.Healthy() != cur.Healthy()) || (!hadPrev && !cur.Healthy()) {
		if cur.Healthy() {
			h.logger.Info("health: ledger recovered", zap.String("path", h.path))
		}
		if h.onTransition != nil {
			h.onTransition(prev, cur)
		}
	}
	return cur
}

// Last returns the most recent report, if any check has completed.
func (h *Checker) Last() (Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.checked
}
