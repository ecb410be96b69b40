// Package chunker partitions files into ordered fixed-size byte ranges.
package chunker

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize int64 = 2 * 1024 * 1024
	// MaxChunkSize bounds a chunk, which is held in memory while it is uploaded.
	MaxChunkSize int64 = 1024 * 1024 * 1024
)

// ErrInvalidChunkSize is returned for a chunk size outside (0, MaxChunkSize].
var ErrInvalidChunkSize = errors.New("chunk size must be positive and at most 1 GiB")

// Range is the half-open byte range [Start, End) of a chunk.
type Range struct {
	Index int
	Start int64
	End   int64
}

// Size returns the number of bytes in the range.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Plan is the chunk layout of a file of TotalSize bytes.
// It is a pure function of (TotalSize, ChunkSize), so the same inputs always yield the
// same index to range mapping.
type Plan struct {
	TotalSize int64
	ChunkSize int64
}

// NewPlan validates the sizes and returns the plan.
func NewPlan(totalSize, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if totalSize < 0 {
		return Plan{}, fmt.Errorf("total size must not be negative: %d", totalSize)
	}

	return Plan{TotalSize: totalSize, ChunkSize: chunkSize}, nil
}

// Count returns ceil(TotalSize / ChunkSize).
func (p Plan) Count() int {
	if p.ChunkSize <= 0 {
		return 0
	}
	count := p.TotalSize / p.ChunkSize
	if p.TotalSize%p.ChunkSize != 0 {
		count++
	}
	return int(count)
}

// IndexOf returns the index of the chunk containing offset.
func (p Plan) IndexOf(offset int64) int {
	return int(offset / p.ChunkSize)
}

// Range returns the byte range of chunk i.
func (p Plan) Range(i int) (Range, error) {
	if i < 0 || i >= p.Count() {
		return Range{}, fmt.Errorf("chunk index %d out of range [0, %d)", i, p.Count())
	}

	start := int64(i) * p.ChunkSize
	end := p.TotalSize
	if p.TotalSize-start > p.ChunkSize {
		end = start + p.ChunkSize
	}

	return Range{Index: i, Start: start, End: end}, nil
}

// Ranges returns all chunk ranges ordered by index.
func (p Plan) Ranges() []Range {
	ranges := make([]Range, 0, p.Count())
	for i := 0; i < p.Count(); i++ {
		r, _ := p.Range(i) // index is always in range here
		ranges = append(ranges, r)
	}
	return ranges
}
