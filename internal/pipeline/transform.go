package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
)

// decodeRecordFile decodes a record file keeping numbers exact.
func decodeRecordFile(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decodeRecordFile: %w", err)
	}
	return raw, nil
}

// transformRecordFile converts a decoded record file into records.
func transformRecordFile(raw map[string]interface{}) ([]domain.TransactionRecord, error) {
	// Expect top-level: { "transactions": [...] }
	txAny, ok := raw["transactions"]
	if !ok {
		return nil, fmt.Errorf("transformRecordFile: missing 'transactions' key")
	}

	txSlice, ok := txAny.([]interface{})
	if !ok {
		return nil, fmt.Errorf("transformRecordFile: 'transactions' is %T, want []interface{}", txAny)
	}
	if len(txSlice) > maxRecordsPerFile {
		return nil, fmt.Errorf("transformRecordFile: %d records exceeds the limit of %d", len(txSlice), maxRecordsPerFile)
	}

	result := make([]domain.TransactionRecord, 0, len(txSlice))
	for i, item := range txSlice {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("transformRecordFile: element %d is %T, want map[string]interface{}", i, item)
		}

		r, err := transformRecord(obj)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		result = append(result, r)
	}

	return result, nil
}

// ParseRecord decodes a single JSON record in the record file format.
func ParseRecord(data []byte) (domain.TransactionRecord, error) {
	raw, err := decodeRecordFile(data)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ParseRecord: %w", err)
	}
	r, err := transformRecord(raw)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ParseRecord: %w", err)
	}
	return r, nil
}

func transformRecord(obj map[string]interface{}) (domain.TransactionRecord, error) {
	id, err := getStringField(obj, "id", true)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	dateStr, err := getStringField(obj, "date", true)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	date, err := parseRecordDate(dateStr)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	amount, err := getDecimalField(obj, "amount")
	if err != nil {
		return domain.TransactionRecord{}, err
	}

	// Missing descriptions are tolerated; the engine treats them as empty.
	desc, err := getStringField(obj, "description", false)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	source, err := getOptionalStringField(obj, "source")
	if err != nil {
		return domain.TransactionRecord{}, err
	}

	r := domain.TransactionRecord{
		ID:          strings.TrimSpace(id),
		Date:        date,
		Amount:      amount,
		Description: strings.TrimSpace(desc),
		Source:      DefaultSource,
	}
	if source != nil {
		r.Source = *source
	}
	return r, nil
}

// parseRecordDate accepts YYYY-MM-DD (UTC midnight) or RFC 3339.
func parseRecordDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	case json.Number:
		// Numeric ids are common in bank exports.
		return val.String(), nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

// getDecimalField reads a required amount given as a JSON number or a
// decimal string. Missing or null amounts read as zero.
func getDecimalField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(val), nil
	default:
		return decimal.Zero, fmt.Errorf("field %q has type %T, want number or decimal string", key, v)
	}
}
