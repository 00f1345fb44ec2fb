package dedup

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Weights controls how the three sub-scores combine into the overall score.
type Weights struct {
	Text   float64 `yaml:"text"`
	Amount float64 `yaml:"amount"`
	Date   float64 `yaml:"date"`
}

// Config holds the tunables of the deduplication engine.
type Config struct {
	// SimilarityThreshold is the minimum overall score for a fuzzy match.
	// Default: 0.82
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// SoftSimilarityThreshold links two records during bulk clustering when
	// they are also within DateWindowDays of each other. Must not exceed
	// SimilarityThreshold.
	// Default: 0.72
	SoftSimilarityThreshold float64 `yaml:"soft_similarity_threshold"`

	// DateWindowDays bounds the calendar-day distance between candidates.
	// Default: 2
	DateWindowDays int `yaml:"date_window_days"`

	// AmountTolerance is the fixed amount tolerance in currency units.
	// Default: 1.5
	AmountTolerance float64 `yaml:"amount_tolerance"`

	// AmountTolerancePercent is the relative tolerance as a fraction of the
	// record's absolute amount. The larger of the two tolerances applies.
	// Default: 0.05
	AmountTolerancePercent float64 `yaml:"amount_tolerance_percent"`

	// BucketAmountWidth is the width of the amount band used to bucket
	// records during bulk clustering.
	// Default: 5
	BucketAmountWidth float64 `yaml:"bucket_amount_width"`

	// BatchSize is the number of records clustered together. Duplicate
	// relationships are never formed across batches.
	// Default: 500
	BatchSize int `yaml:"batch_size"`

	// Workers caps how many buckets are clustered concurrently.
	// Default: runtime.NumCPU()
	Workers int `yaml:"workers"`

	// Weights of the text, amount and date sub-scores. Must sum to 1.
	// Default: 0.6 / 0.25 / 0.15
	Weights Weights `yaml:"weights"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:     0.82,
		SoftSimilarityThreshold: 0.72,
		DateWindowDays:          2,
		AmountTolerance:         1.5,
		AmountTolerancePercent:  0.05,
		BucketAmountWidth:       5,
		BatchSize:               500,
		Workers:                 runtime.NumCPU(),
		Weights: Weights{
			Text:   0.6,
			Amount: 0.25,
			Date:   0.15,
		},
	}
}

const weightSumEpsilon = 0.001

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if !inUnitRange(c.SimilarityThreshold) {
		return fmt.Errorf("%w: similarity_threshold must be between 0.0 and 1.0 (got %.2f)",
			ErrInvalidConfig, c.SimilarityThreshold)
	}
	if !inUnitRange(c.SoftSimilarityThreshold) {
		return fmt.Errorf("%w: soft_similarity_threshold must be between 0.0 and 1.0 (got %.2f)",
			ErrInvalidConfig, c.SoftSimilarityThreshold)
	}
	if c.SoftSimilarityThreshold > c.SimilarityThreshold {
		return fmt.Errorf("%w: soft_similarity_threshold (%.2f) must not exceed similarity_threshold (%.2f)",
			ErrInvalidConfig, c.SoftSimilarityThreshold, c.SimilarityThreshold)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("%w: date_window_days cannot be negative (got %d)", ErrInvalidConfig, c.DateWindowDays)
	}
	if c.AmountTolerance < 0 || math.IsNaN(c.AmountTolerance) || math.IsInf(c.AmountTolerance, 0) {
		return fmt.Errorf("%w: amount_tolerance must be a non-negative number (got %v)", ErrInvalidConfig, c.AmountTolerance)
	}
	if !inUnitRange(c.AmountTolerancePercent) {
		return fmt.Errorf("%w: amount_tolerance_percent must be between 0.0 and 1.0 (got %.2f)",
			ErrInvalidConfig, c.AmountTolerancePercent)
	}
	if !(c.BucketAmountWidth > 0) || math.IsInf(c.BucketAmountWidth, 0) {
		return fmt.Errorf("%w: bucket_amount_width must be positive (got %v)", ErrInvalidConfig, c.BucketAmountWidth)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive (got %d)", ErrInvalidConfig, c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive (got %d)", ErrInvalidConfig, c.Workers)
	}
	weights := []struct {
		name  string
		value float64
	}{
		{"text", c.Weights.Text},
		{"amount", c.Weights.Amount},
		{"date", c.Weights.Date},
	}
	for _, w := range weights {
		if !inUnitRange(w.value) {
			return fmt.Errorf("%w: weights.%s must be between 0.0 and 1.0 (got %.2f)", ErrInvalidConfig, w.name, w.value)
		}
	}
	if sum := c.Weights.Text + c.Weights.Amount + c.Weights.Date; math.Abs(sum-1.0) > weightSumEpsilon {
		return fmt.Errorf("%w: weights must sum to 1.0 (got %.3f)", ErrInvalidConfig, sum)
	}
	return nil
}

// inUnitRange reports whether v is in [0, 1]. NaN is not.
func inUnitRange(v float64) bool {
	return v >= 0.0 && v <= 1.0
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Threshold: %.2f, SoftThreshold: %.2f, WindowDays: %d, AmountTolerance: %.2f, "+
			"AmountTolerancePct: %.2f, BucketWidth: %.2f, BatchSize: %d, Workers: %d, "+
			"Weights: %.2f/%.2f/%.2f}",
		c.SimilarityThreshold, c.SoftSimilarityThreshold, c.DateWindowDays, c.AmountTolerance,
		c.AmountTolerancePercent, c.BucketAmountWidth, c.BatchSize, c.Workers,
		c.Weights.Text, c.Weights.Amount, c.Weights.Date,
	)
}

// ConfigFromEnv creates a Config from environment variables, falling back to defaults
//
// Environment variables:
//   - FT_DEDUP_SIMILARITY_THRESHOLD: strict similarity threshold (default: 0.82)
//   - FT_DEDUP_SOFT_SIMILARITY_THRESHOLD: soft clustering threshold (default: 0.72)
//   - FT_DEDUP_DATE_WINDOW_DAYS: candidate date window in days (default: 2)
//   - FT_DEDUP_AMOUNT_TOLERANCE: fixed amount tolerance (default: 1.5)
//   - FT_DEDUP_AMOUNT_TOLERANCE_PERCENT: relative amount tolerance (default: 0.05)
//   - FT_DEDUP_BUCKET_AMOUNT_WIDTH: amount band width for buckets (default: 5)
//   - FT_DEDUP_BATCH_SIZE: records per clustering batch (default: 500)
//   - FT_DEDUP_WORKERS: concurrent bucket workers (default: NumCPU)
//
// Returns an error if any environment variable has an invalid value.
func ConfigFromEnv() (Config, error) {
	return LoadConfig("")
}

// LoadConfig reads a YAML file over the defaults (when path is not empty),
// applies FT_DEDUP_* environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("LoadConfig: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("LoadConfig: parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("LoadConfig: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := parseEnvFloat("FT_DEDUP_SIMILARITY_THRESHOLD", &cfg.SimilarityThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("FT_DEDUP_SOFT_SIMILARITY_THRESHOLD", &cfg.SoftSimilarityThreshold); err != nil {
		return err
	}
	if err := parseEnvInt("FT_DEDUP_DATE_WINDOW_DAYS", &cfg.DateWindowDays); err != nil {
		return err
	}
	if err := parseEnvFloat("FT_DEDUP_AMOUNT_TOLERANCE", &cfg.AmountTolerance); err != nil {
		return err
	}
	if err := parseEnvFloat("FT_DEDUP_AMOUNT_TOLERANCE_PERCENT", &cfg.AmountTolerancePercent); err != nil {
		return err
	}
	if err := parseEnvFloat("FT_DEDUP_BUCKET_AMOUNT_WIDTH", &cfg.BucketAmountWidth); err != nil {
		return err
	}
	if err := parseEnvInt("FT_DEDUP_BATCH_SIZE", &cfg.BatchSize); err != nil {
		return err
	}
	if err := parseEnvInt("FT_DEDUP_WORKERS", &cfg.Workers); err != nil {
		return err
	}
	return nil
}

func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
