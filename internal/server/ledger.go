package server

import (
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/jmerrifield20/provenance-ledger/internal/metrics"
	"go.uber.org/zap"
)

// LedgerHandler exposes read-only HTTP endpoints for one ledger file. It
// reports counts, digests and verification outcomes, never record contents.
type LedgerHandler struct {
	path   string
	key    []byte
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. The key is copied and held for
// the handler's lifetime.
func NewLedgerHandler(path string, key []byte, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		path:   path,
		key:    append([]byte(nil), key...),
		logger: logger,
	}
}

// Register mounts the ledger routes on the given router group. verifyLimit
// guards the verify route, which replays the whole file.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, verifyLimit ...gin.HandlerFunc) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", append(verifyLimit, h.Verify)...)
	}
}

// Overview handles GET /ledger and returns the record count and the digest
// of the last record. It parses strictly but does not authenticate.
func (h *LedgerHandler) Overview(c *gin.Context) {
	var (
		count uint64
		root  = ledger.GenesisDigest
	)
	err := ledger.Scan(h.path, func(r ledger.Record) error {
		count++
		root = r.Digest
		return nil
	})

	var malformed *ledger.MalformedLineError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"records": count,
			"root":    root,
		})
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "ledger not found"})
	case errors.As(err, &malformed):
		h.logger.Warn("ledger overview hit malformed line", zap.Uint64("line", malformed.Line), zap.Error(malformed.Err))
		c.JSON(http.StatusConflict, gin.H{
			"error": "ledger is malformed",
			"line":  malformed.Line,
		})
	default:
		h.logger.Error("ledger scan", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
	}
}

// Verify handles GET /ledger/verify: it replays the full chain under the
// server's key and reports the outcome.
func (h *LedgerHandler) Verify(c *gin.Context) {
	start := time.Now()
	res, err := ledger.Verify(h.path, h.key)
	metrics.RecordVerification(res, err, time.Since(start))

	if err != nil {
		h.logger.Error("ledger verify", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify ledger"})
		return
	}

	body := gin.H{
		"valid":   res.OK(),
		"status":  res.Status.String(),
		"records": res.Records,
		"root":    res.Root,
	}
	if res.Status == ledger.StatusCorrupted {
		h.logger.Warn("ledger integrity check failed",
			zap.Uint64("index", res.Index),
			zap.String("reason", res.Reason),
		)
		body["index"] = res.Index
		body["reason"] = res.Reason
	}
	c.JSON(http.StatusOK, body)
}
