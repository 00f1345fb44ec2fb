package pipeline

import (
	"fmt"
	"strings"

	"github.com/dvloznov/finance-dedup/internal/domain"
)

// RecordValidator rejects record files that cannot be stored as given.
type RecordValidator struct {
	seen map[string]int
}

// NewRecordValidator creates a validator for one file.
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{seen: make(map[string]int)}
}

// ValidateRecord checks the record at position i of its file.
func (v *RecordValidator) ValidateRecord(i int, r domain.TransactionRecord) error {
	id := normalizeID(r.ID)
	if id == "" {
		return fmt.Errorf("transaction %d: empty id", i)
	}
	if first, dup := v.seen[id]; dup {
		return fmt.Errorf("transaction %d: id %q already used by transaction %d", i, r.ID, first)
	}
	v.seen[id] = i
	if r.Date.IsZero() {
		return fmt.Errorf("transaction %d: missing date", i)
	}
	return nil
}

// ValidateRecords validates a whole file and reports every problem.
func ValidateRecords(records []domain.TransactionRecord) error {
	v := NewRecordValidator()
	var problems []string
	for i, r := range records {
		if err := v.ValidateRecord(i, r); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("ValidateRecords: %d invalid record(s): %s", len(problems), strings.Join(problems, "; "))
	}
	return nil
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
