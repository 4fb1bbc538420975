package gc

import (
	"math"
	"time"
)

// Samples are weighted by their count until oldThreshold of them were seen.
const oldThreshold = 100

// weightedAverage is an exponentially decaying average whose weight starts
// high so the first samples count fully.
type weightedAverage struct {
	average float64
	count   uint
	weight  uint
	isOld   bool
	last    float64
}

func (a *weightedAverage) adaptive(sample, average float64) float64 {
	countWeight := uint(0)
	if !a.isOld {
		countWeight = oldThreshold / a.count
	}
	w := float64(max(a.weight, countWeight))
	return (100-w)*average/100 + w*sample/100
}

func (a *weightedAverage) sample(s float64) {
	a.count++
	if !a.isOld && a.count > oldThreshold {
		a.isOld = true
	}
	a.average = a.adaptive(s, a.average)
	a.last = s
}

// paddedAverage is a weightedAverage plus padding times the deviation. Zero
// samples do not update the deviation.
type paddedAverage struct {
	weightedAverage
	padding   float64
	deviation float64
	padded    float64
}

func newPaddedAverage(weight uint, padding float64) paddedAverage {
	return paddedAverage{weightedAverage: weightedAverage{weight: weight}, padding: padding}
}

func (a *paddedAverage) sample(s float64) {
	a.weightedAverage.sample(s)
	if s != 0 {
		a.deviation = a.adaptive(math.Abs(s-a.average), a.deviation)
	}
	a.padded = a.average + a.padding*a.deviation
}

// Average returns the decaying average.
func (a *paddedAverage) Average() float64 { return a.average }

// Padded returns the average plus the padding.
func (a *paddedAverage) Padded() float64 { return a.padded }

// statRecord counts the collections of one generation.
type statRecord struct {
	invocations int
	accumulated time.Duration
}

// GenerationStats is a snapshot of the state of one generation.
type GenerationStats struct {
	Name        string
	Capacity    uintptr
	Used        uintptr
	MaxCapacity uintptr
	Collections int
	Time        time.Duration
}

// Stats is a snapshot of the heap counters.
type Stats struct {
	TotalCollections     uint
	TotalFullCollections uint
	LastCause            Cause

	Young GenerationStats
	Old   GenerationStats

	PromotionFailures int
	PromotedBytes     uint64
	SurvivedBytes     uint64
	TenuringThreshold uint
	AvgPromoted       float64

	Expansions int
	Shrinks    int
}
