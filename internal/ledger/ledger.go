package ledger

// Appender is the producer-facing side of a ledger. Collaborators that want a
// provenance entry depend on this interface rather than on *Writer.
//
// A failed Append means the event was not recorded. Retrying is up to the
// caller; a retry reuses the same index.
type Appender interface {
	Append(eventType, payload string) (Record, error)
}

var _ Appender = (*Writer)(nil)
