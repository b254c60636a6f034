// Package ledger implements the provenance ledger: a tamper-evident,
// append-only event log stored as one text line per record.
//
// Every record carries the HMAC-SHA-256 digest of its predecessor. The first
// record chains from GenesisDigest (32 zero bytes). A Writer resumes the chain
// from an existing file and appends to it; Verify replays the whole file from
// the first line and reports the first record that fails, without needing a
// Writer.
//
// The secret key is supplied by the caller on every Open and Verify call and
// is never written to the file.
//
// A single Writer per file is assumed. Two processes appending to the same
// path interleave index assignment in an undefined way; nothing here guards
// against that.
package ledger
