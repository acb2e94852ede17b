package dedup

import (
	"fmt"
)

// Config holds duplicate detection configuration.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for two same-type
	// notes to be recorded as a candidate pair. Range: 0.0-1.0.
	SimilarityThreshold float64

	// TopK bounds how many index neighbors one scan considers.
	TopK int

	// MaxPairsPerScan caps how many new pairs a single detection records,
	// keeping a pathological embedding from flooding the store.
	MaxPairsPerScan int
}

// DefaultConfig returns the default detection configuration.
//
// The 0.85 threshold errs toward precision: surfacing a false duplicate
// costs a user review, while a missed duplicate is caught again on the next
// content change.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		TopK:                20,
		MaxPairsPerScan:     10,
	}
}

// Validate checks configuration ranges.
func (c Config) Validate() error {
	if c.SimilarityThreshold < 0.0 || c.SimilarityThreshold > 1.0 {
		return fmt.Errorf("similarity threshold must be between 0.0 and 1.0 (got %.2f)", c.SimilarityThreshold)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top k must be positive (got %d)", c.TopK)
	}
	if c.MaxPairsPerScan < 1 {
		return fmt.Errorf("max pairs per scan must be positive (got %d)", c.MaxPairsPerScan)
	}
	return nil
}
