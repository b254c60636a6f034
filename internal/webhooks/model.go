package webhooks

import "time"

// Event types dispatched by the audit server.
const (
	EventLedgerCorrupted = "ledger.corrupted"
	EventLedgerMissing   = "ledger.missing"
	EventLedgerError     = "ledger.verify_error"
	EventLedgerRecovered = "ledger.recovered"
)

// SignatureHeader carries "sha256=<hex>" over the request body.
const SignatureHeader = "X-Provledger-Signature"

// Event is the JSON body POSTed to the configured endpoint.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	EventID    string
	Attempt    int
	StatusCode int
	Success    bool
	Error      string
}
