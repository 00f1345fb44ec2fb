package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
)

const fingerprintSeparator = "|"

// Fingerprint returns the hex SHA-256 of the record's canonical content:
// UTC date in RFC 3339 with nanoseconds, the exact decimal amount and the
// trimmed description. Absent fields hash as their zero values.
//
// Amounts hash by numeric value, so 100, 100.0 and 100.00 are the same.
func Fingerprint(r domain.TransactionRecord) string {
	var b strings.Builder
	b.WriteString(r.Date.UTC().Format(time.RFC3339Nano))
	b.WriteString(fingerprintSeparator)
	b.WriteString(r.Amount.String())
	b.WriteString(fingerprintSeparator)
	b.WriteString(normalizeDescription(r.Description))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeDescription(s string) string {
	return strings.TrimSpace(s)
}
