package chunkuploader

import (
	"sync/atomic"
	"time"
)

// Stats tracks how long acknowledged chunks took, for the progress log.
// Workers update it concurrently without locking.
type Stats struct {
	acked   atomic.Int64
	elapsed atomic.Int64 // nanoseconds
}

func NewStats() *Stats {
	return &Stats{}
}

// Update records one acknowledged chunk that took d.
func (s *Stats) Update(d time.Duration) {
	s.elapsed.Add(int64(d))
	s.acked.Add(1)
}

// Average is the mean time per acknowledged chunk, zero before the first one.
func (s *Stats) Average() time.Duration {
	acked := s.acked.Load()
	if acked == 0 {
		return 0
	}
	return time.Duration(s.elapsed.Load() / acked)
}

func (s *Stats) FinishedCount() int64 {
	return s.acked.Load()
}
