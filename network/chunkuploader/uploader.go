package chunkuploader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader transfers chunks to a chunk store in parallel.
// A failed chunk fails the whole upload; there are no per-chunk retries, chunks that were
// acknowledged before the failure stay in the store.
type Uploader struct {
	config Config
	store  network.ChunkStore
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(store network.ChunkStore, config Config, logger log.Logger) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = DefaultConcurrency()
	}

	return &Uploader{
		config: config,
		store:  store,
		logger: logger,
		stats:  NewStats(),
	}
}

// Upload uploads every chunk of the job that is not already stored.
// Cancelling ctx stops scheduling new chunks and cancels the ones in flight.
func (u *Uploader) Upload(ctx context.Context, job Job) (*UploadResult, error) {
	numChunks := job.Provider.NumChunks()

	sizes := make([]int64, numChunks)
	for i := range sizes {
		sizes[i] = job.Provider.ChunkSize(i)
	}

	stored := make(map[int]bool, len(job.Stored))
	for _, index := range job.Stored {
		if index >= 0 && index < numChunks {
			stored[index] = true
		}
	}

	var pending []int
	for i := 0; i < numChunks; i++ {
		if !stored[i] {
			pending = append(pending, i)
		}
	}

	aggregator := NewAggregator(sizes, job.Stored, job.OnProgress)
	aggregator.Start()

	u.logger.Debugf("Uploading %d of %d chunks (%d already stored) with %d workers",
		len(pending), numChunks, numChunks-len(pending), u.workerCount(len(pending)))

	uploaded, err := u.uploadPending(ctx, job, pending, aggregator)
	progress := aggregator.Stop()
	if err != nil {
		return nil, err
	}

	return &UploadResult{Uploaded: uploaded, Progress: progress}, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) uploadPending(ctx context.Context, job Job, pending []int, aggregator *Aggregator) ([]int, error) {
	if len(pending) == 0 {
		return []int{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan int)
	resultChan := make(chan ChunkResult, len(pending))

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	for w := 0; w < u.workerCount(len(pending)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range queue {
				result := u.uploadChunk(ctx, job, index, len(pending), aggregator)
				if result.Err != nil {
					failOnce.Do(func() {
						failure = fmt.Errorf("chunk %d failed: %w", result.Index, result.Err)
						cancel()
					})
				}
				resultChan <- result
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, index := range pending {
			select {
			case queue <- index:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	uploaded := make([]int, 0, len(pending))
	for result := range resultChan {
		if result.Err == nil {
			uploaded = append(uploaded, result.Index)
		}
	}
	sort.Ints(uploaded)

	if failure != nil {
		u.logger.Warnf("Upload stopped, %d of %d outstanding chunks were stored", len(uploaded), len(pending))
		return nil, failure
	}
	if len(uploaded) != len(pending) {
		return nil, fmt.Errorf("upload cancelled while waiting for chunks: %w", ctx.Err())
	}

	return uploaded, nil
}

func (u *Uploader) uploadChunk(ctx context.Context, job Job, index, outstanding int, aggregator *Aggregator) ChunkResult {
	if err := ctx.Err(); err != nil {
		return ChunkResult{Index: index, Err: err}
	}

	u.logger.Debugf("Uploading chunk %d [finished=%d/%d] [avg=%v]",
		index, u.stats.FinishedCount(), outstanding, u.stats.Average().Round(time.Millisecond))

	start := time.Now()

	chunk, err := job.Provider.GetChunk(index)
	if err != nil {
		return ChunkResult{Index: index, Err: fmt.Errorf("get chunk: %w", err)}
	}

	_, err = u.store.UploadChunk(ctx, network.UploadChunkParams{
		Fingerprint: job.Fingerprint,
		Index:       index,
		Total:       job.Provider.NumChunks(),
		Data:        chunk.Data,
	}, func(sent, total int64) {
		aggregator.Update(index, sent)
	})
	if err != nil {
		return ChunkResult{Index: index, Err: err}
	}

	aggregator.Update(index, int64(len(chunk.Data)))

	took := time.Since(start)
	u.stats.Update(took)
	u.logger.Debugf("Chunk %d uploaded in %v", index, took.Round(time.Millisecond))

	return ChunkResult{Index: index, Took: took}
}

func (u *Uploader) workerCount(pending int) int {
	if pending < u.config.Concurrency {
		return pending
	}
	return u.config.Concurrency
}
