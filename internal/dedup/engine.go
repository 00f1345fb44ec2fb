package dedup

import (
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine holds a validated configuration and implements candidate
// selection, scoring, pairwise detection and bulk clustering. It keeps no
// state between calls and is safe for concurrent use.
type Engine struct {
	cfg Config
	log zerolog.Logger

	amountTolerance    decimal.Decimal
	amountTolerancePct decimal.Decimal
	bucketWidth        decimal.Decimal
}

// New validates cfg and returns an Engine.
func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dedup.New: %w", err)
	}
	return &Engine{
		cfg:                cfg,
		log:                log.With().Str("component", "dedup").Logger(),
		amountTolerance:    decimal.NewFromFloat(cfg.AmountTolerance),
		amountTolerancePct: decimal.NewFromFloat(cfg.AmountTolerancePercent),
		bucketWidth:        decimal.NewFromFloat(cfg.BucketAmountWidth),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// sanitize substitutes safe defaults for partially populated rows.
func sanitize(r domain.TransactionRecord) domain.TransactionRecord {
	r.ID = strings.TrimSpace(r.ID)
	r.CanonicalID = strings.TrimSpace(r.CanonicalID)
	r.Description = normalizeDescription(r.Description)
	return r
}

const secondsPerDay = 24 * 60 * 60

// dayIndex returns the UTC calendar day of t as days since the Unix epoch.
func dayIndex(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay
}

// dayDelta is the absolute number of UTC calendar days between a and b.
func dayDelta(a, b time.Time) int64 {
	delta := dayIndex(a) - dayIndex(b)
	if delta < 0 {
		return -delta
	}
	return delta
}

// recordLess orders records by date, then by id.
func recordLess(a, b domain.TransactionRecord) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return lessID(a.ID, b.ID)
}

// lessID orders ids numerically when both are base-10 integers and
// lexicographically otherwise. Numeric ids sort before non-numeric ones.
func lessID(a, b string) bool {
	an, bn := isDigits(a), isDigits(b)
	switch {
	case an && bn:
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			return len(ta) < len(tb)
		}
		if ta != tb {
			return ta < tb
		}
		return a < b
	case an:
		return true
	case bn:
		return false
	default:
		return a < b
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
