package gc

import (
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"golang.org/x/exp/slog"
)

// ageTableSize is one more than the highest age a header can hold.
const ageTableSize = oop.MaxAge + 1

// AgeTable is the histogram of the words copied within the young generation
// by a young collection, indexed by the age of the copies.
type AgeTable struct {
	sizes [ageTableSize]uintptr
}

// Clear empties the table.
func (t *AgeTable) Clear() {
	t.sizes = [ageTableSize]uintptr{}
}

// Add records words copied at the given age.
func (t *AgeTable) Add(age uint, words uintptr) {
	t.sizes[age] += words
}

// Merge adds the counts of other.
func (t *AgeTable) Merge(other *AgeTable) {
	for i := range t.sizes {
		t.sizes[i] += other.sizes[i]
	}
}

// Words returns the words recorded at age.
func (t *AgeTable) Words(age uint) uintptr { return t.sizes[age] }

// ComputeTenuringThreshold returns the lowest age at which the survivors of
// that age and younger exceed desiredWords, capped by the configured maximum.
func (t *AgeTable) ComputeTenuringThreshold(desiredWords uintptr, cfg *config.Config) uint {
	switch {
	case cfg.AlwaysTenure:
		return 0
	case cfg.NeverTenure:
		return ageTableSize
	}
	if t.sizes[0] != 0 {
		fatalf("age table records %d words of age zero", t.sizes[0])
	}
	total := uintptr(0)
	age := uint(1)
	for ; age < ageTableSize; age++ {
		total += t.sizes[age]
		if total > desiredWords {
			break
		}
	}
	return min(age, cfg.MaxTenuringThreshold)
}

// Log writes the table at debug level.
func (t *AgeTable) Log(log *slog.Logger, threshold uint, desiredWords uintptr, cfg *config.Config) {
	log.Debug("tenuring threshold",
		"desired_survivor", config.Size(desiredWords*mem.WordSize),
		"threshold", threshold,
		"max", cfg.MaxTenuringThreshold)
	total := uintptr(0)
	for age := uint(1); age < ageTableSize; age++ {
		words := t.sizes[age]
		total += words
		if words > 0 {
			log.Debug("age table", "age", age, "bytes", words*mem.WordSize, "total", total*mem.WordSize)
		}
	}
}
