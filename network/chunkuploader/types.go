// Package chunkuploader uploads the outstanding chunks of a file to a chunk store with a
// bounded pool of workers, and aggregates their byte progress into a single percentage.
package chunkuploader

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/chunker"
)

// Job describes the chunks of one file to transfer.
type Job struct {
	Fingerprint string
	Provider    chunker.ChunkProvider
	// Stored lists the chunk indices the store already has; they are not uploaded again.
	Stored []int
	// OnProgress receives aggregate progress updates. Calls are serialized.
	OnProgress ProgressFunc
}

// Progress is the aggregate transfer progress of a file.
type Progress struct {
	Loaded     int64
	Total      int64
	Percentage int
}

// ProgressFunc receives aggregate progress updates.
type ProgressFunc func(Progress)

// ChunkResult represents the result of uploading a single chunk.
type ChunkResult struct {
	Index int
	Took  time.Duration
	Err   error
}

// UploadResult represents the result of uploading all outstanding chunks.
type UploadResult struct {
	// Uploaded lists the indices acknowledged during this upload, in ascending order.
	Uploaded []int
	Progress Progress
}
