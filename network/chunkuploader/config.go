package chunkuploader

import (
	"runtime"
)

const (
	minConcurrency = 2
	maxConcurrency = 20
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the number of workers, so the maximum number of chunks in flight.
	Concurrency int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency(),
	}
}

// DefaultConcurrency is three workers per CPU, at least 2 and at most 20.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > maxConcurrency {
		c = maxConcurrency
	}
	if c < minConcurrency {
		c = minConcurrency
	}

	return c
}
