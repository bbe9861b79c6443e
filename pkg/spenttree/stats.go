package spenttree

import "github.com/joeldejesus1/bitcrust/pkg/record"

// Stats accumulates counters from one or more [ConnectBlock] calls. The
// zero value is usable and additive across calls.
type Stats struct {
	Blocks int64
	Inputs int64

	// Seeks counts every record a scan steps away from, whether the step
	// follows the previous pointer or a skip pointer.
	Seeks int64
	// Jumps counts every skip-pointer follow (a multi-record hop).
	Jumps int64
	// SkipBucketHits[b] counts jumps that used skip bucket b.
	SkipBucketHits [record.SkipWidth]int64
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Blocks += other.Blocks
	s.Inputs += other.Inputs
	s.Seeks += other.Seeks
	s.Jumps += other.Jumps

	for i := range s.SkipBucketHits {
		s.SkipBucketHits[i] += other.SkipBucketHits[i]
	}
}
