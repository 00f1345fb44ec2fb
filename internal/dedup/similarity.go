package dedup

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
)

// Similarity is the result of comparing two records. Scores are in [0,1].
type Similarity struct {
	Overall float64
	Text    float64
	Amount  float64
	Date    float64
}

// Breakdown converts s for inclusion in a decision.
func (s Similarity) Breakdown() *domain.SimilarityBreakdown {
	return &domain.SimilarityBreakdown{
		Overall: s.Overall,
		Text:    s.Text,
		Amount:  s.Amount,
		Date:    s.Date,
	}
}

// Score compares a and b. It is symmetric and depends only on the two
// records and the engine configuration.
func (e *Engine) Score(a, b domain.TransactionRecord) Similarity {
	s := Similarity{
		Text:   textSimilarity(a.Description, b.Description),
		Amount: amountSimilarity(a.Amount, b.Amount),
		Date:   e.dateSimilarity(dayDelta(a.Date, b.Date)),
	}
	w := e.cfg.Weights
	s.Overall = clamp01(w.Text*s.Text + w.Amount*s.Amount + w.Date*s.Date)
	return s
}

// textSimilarity is 1 for case-insensitively equal descriptions, otherwise
// one minus the normalized edit distance of the lowercased descriptions.
func textSimilarity(a, b string) float64 {
	a, b = normalizeDescription(a), normalizeDescription(b)
	if strings.EqualFold(a, b) {
		return 1.0
	}
	la, lb := strings.ToLower(a), strings.ToLower(b)
	maxLen := utf8.RuneCountInString(la)
	if n := utf8.RuneCountInString(lb); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(la, lb)
	return clamp01(1.0 - float64(dist)/float64(maxLen))
}

// amountSimilarity is 1 - min(|a-b| / max(|a|,|b|), 1), and 1 when both are zero.
func amountSimilarity(a, b decimal.Decimal) float64 {
	absA, absB := a.Abs(), b.Abs()
	denom := absA
	if absB.GreaterThan(denom) {
		denom = absB
	}
	if denom.IsZero() {
		return 1.0
	}
	ratio := a.Sub(b).Abs().Div(denom)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		return 0.0
	}
	return clamp01(1.0 - ratio.InexactFloat64())
}

func (e *Engine) dateSimilarity(days int64) float64 {
	switch {
	case days == 0:
		return 1.0
	case days <= 1:
		return 0.9
	case days <= int64(e.cfg.DateWindowDays):
		return 0.75
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
