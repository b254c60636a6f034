package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
)

// DefaultKeyBytes is the size of a generated key.
const DefaultKeyBytes = 32

// Generate reads n random bytes and writes them to out as an environment
// assignment that Resolve accepts. reader defaults to crypto/rand.
func Generate(out io.Writer, reader io.Reader, n int) error {
	if n <= 0 || n > ledger.MaxKeySize {
		return fmt.Errorf("bytes must be between 1 and %d", ledger.MaxKeySize)
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "%s=hex:%s\n", EnvKey, hex.EncodeToString(buf))
	return err
}
