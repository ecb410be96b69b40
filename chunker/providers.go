package chunker

import (
	"fmt"
	"io"
)

// Chunk is one materialized chunk of a file.
type Chunk struct {
	Range
	Data []byte
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk materializes the chunk at the given index.
	// Every chunk can be read independently and any number of times.
	GetChunk(index int) (Chunk, error)
}

// ReaderAtProvider materializes chunks from an io.ReaderAt according to a Plan.
// Safe for parallel chunk reads as long as the underlying ReaderAt is.
type ReaderAtProvider struct {
	source io.ReaderAt
	plan   Plan
}

// NewReaderAtProvider creates a ChunkProvider over source.
func NewReaderAtProvider(source io.ReaderAt, plan Plan) *ReaderAtProvider {
	return &ReaderAtProvider{source: source, plan: plan}
}

// Plan returns the chunk layout.
func (p *ReaderAtProvider) Plan() Plan {
	return p.plan
}

// NumChunks returns the total number of chunks.
func (p *ReaderAtProvider) NumChunks() int {
	return p.plan.Count()
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ReaderAtProvider) ChunkSize(index int) int64 {
	r, err := p.plan.Range(index)
	if err != nil {
		return 0
	}
	return r.Size()
}

// GetChunk reads the chunk at the given index into memory.
func (p *ReaderAtProvider) GetChunk(index int) (Chunk, error) {
	r, err := p.plan.Range(index)
	if err != nil {
		return Chunk{}, err
	}

	data := make([]byte, r.Size())
	n, err := io.ReadFull(io.NewSectionReader(p.source, r.Start, r.Size()), data)
	if err != nil {
		return Chunk{}, fmt.Errorf("read chunk %d (%d of %d bytes): %w", index, n, r.Size(), err)
	}

	return Chunk{Range: r, Data: data}, nil
}
