// Package videoupload drives resumable chunked uploads of video files: it fingerprints the
// file, asks the chunk store which chunks it already has, uploads the rest and requests
// the merge.
package videoupload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunker"
	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-chunkupload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultExpireHours is the age after which unmerged chunks are removed by Cleanup.
const DefaultExpireHours = 24

// Progress is the aggregate transfer progress of a file.
type Progress = chunkuploader.Progress

// Config ...
type Config struct {
	ChunkSize   int64
	Concurrency int
}

// DefaultConfig returns the default uploader configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   chunker.DefaultChunkSize,
		Concurrency: chunkuploader.DefaultConcurrency(),
	}
}

// Options configures a single upload.
type Options struct {
	Description string
	// ChunkSize overrides the configured chunk size when non-zero.
	ChunkSize int64
	// OnProgress is called with the aggregate progress. Calls are serialized, but may come
	// from a goroutine other than the caller's.
	OnProgress func(Progress)
	// OnSuccess is called once when the session completes.
	OnSuccess func(*Result)
	// OnError is called once with the terminal error when the session fails.
	OnError func(error)
	// OnStateChange is called on every session state transition.
	OnStateChange func(from, to State)
}

// Result describes a completed upload session.
type Result struct {
	Fingerprint string
	ChunkTotal  int
	// Stored lists the chunks that were already in the store when the session started.
	Stored []int
	// Uploaded lists the chunks that were uploaded by the session.
	Uploaded []int
	// AlreadyComplete is set when the store already had the merged file; File then only
	// carries the name and the fingerprint.
	AlreadyComplete bool
	File            network.FileRecord
}

// Uploader uploads video files to a chunk store.
type Uploader struct {
	store  network.ChunkStore
	config Config
	logger log.Logger
}

// NewUploader ...
func NewUploader(store network.ChunkStore, config Config, logger log.Logger) *Uploader {
	return &Uploader{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Upload runs a new upload session for file. Chunks stored by earlier sessions of the same
// content are not uploaded again.
func (u *Uploader) Upload(ctx context.Context, file File, opts Options) (*Result, error) {
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	session := newSession(file.Name, opts.OnStateChange)

	result, err := u.run(ctx, session, file, opts)
	if err != nil {
		if transitionErr := session.transition(StateFailed); transitionErr != nil {
			u.logger.Warnf("%s", transitionErr)
		}
		u.logger.Errorf("Upload of %s failed: %s", file.Name, err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}

	if opts.OnSuccess != nil {
		opts.OnSuccess(result)
	}
	return result, nil
}

// Resume retries an upload. It is a new session: the file is hashed again and the store is
// asked which chunks survived the earlier attempts.
func (u *Uploader) Resume(ctx context.Context, file File, opts Options) (*Result, error) {
	return u.Upload(ctx, file, opts)
}

// Cleanup asks the store to remove unmerged chunks older than expireHours.
// A non-positive expireHours means DefaultExpireHours.
func (u *Uploader) Cleanup(ctx context.Context, expireHours int) (network.CleanupResult, error) {
	if expireHours <= 0 {
		expireHours = DefaultExpireHours
	}

	u.logger.Infof("Removing chunks older than %d hours...", expireHours)
	result, err := u.store.Cleanup(ctx, expireHours)
	if err != nil {
		return network.CleanupResult{}, fmt.Errorf("cleanup failed: %w", err)
	}
	u.logger.Donef("Removed %d chunks", result.Removed)

	return result, nil
}

func (u *Uploader) run(ctx context.Context, session *Session, file File, opts Options) (*Result, error) {
	plan, stageErr := u.validate(file, opts)
	if stageErr != nil {
		return nil, stageErr
	}
	session.ChunkTotal = plan.Count()
	u.logger.Printf("File: %s (%s, %d chunks of %s)", file.Name,
		units.HumanSizeWithPrecision(float64(file.Size), 3), plan.Count(),
		units.BytesSize(float64(plan.ChunkSize)))

	u.logger.Println()
	u.logger.Infof("Computing fingerprint...")
	hashStartTime := time.Now()
	digest, err := fingerprint.OfReaderAt(file.Content, file.Size)
	if err != nil {
		return nil, newStageError(StateHashing, ErrRead, err)
	}
	session.Fingerprint = digest
	u.logger.Donef("Fingerprint: %s (%s)", session.Fingerprint, time.Since(hashStartTime).Round(time.Millisecond))

	if err := session.transition(StateNegotiating); err != nil {
		return nil, err
	}
	verifyResult, err := u.store.Verify(ctx, session.Fingerprint, session.ChunkTotal)
	if err != nil {
		return nil, newStageError(StateNegotiating, ErrNegotiation, err)
	}
	session.Stored = verifyResult.StoredIndices
	u.logger.TDebugf("Negotiation done")

	if verifyResult.Complete {
		if err := session.transition(StateComplete); err != nil {
			return nil, err
		}
		u.logger.Donef("The store already has this file, nothing to upload")
		return &Result{
			Fingerprint:     session.Fingerprint,
			ChunkTotal:      session.ChunkTotal,
			Stored:          session.Stored,
			Uploaded:        []int{},
			AlreadyComplete: true,
			File: network.FileRecord{
				Name:        file.Name,
				Fingerprint: session.Fingerprint,
			},
		}, nil
	}
	u.logger.Infof("%d of %d chunks are already stored", len(session.Stored), session.ChunkTotal)

	if err := session.transition(StateTransferring); err != nil {
		return nil, err
	}
	if err := u.transfer(ctx, session, file, plan, opts); err != nil {
		return nil, newStageError(StateTransferring, ErrTransfer, err)
	}

	if err := session.transition(StateMerging); err != nil {
		return nil, err
	}
	u.logger.Println()
	u.logger.Infof("Merging chunks...")
	mergeResult, err := u.store.Merge(ctx, network.MergeParams{
		Fingerprint: session.Fingerprint,
		FileName:    file.Name,
		ChunkTotal:  session.ChunkTotal,
		Description: opts.Description,
	})
	if err != nil {
		return nil, newStageError(StateMerging, ErrMerge, err)
	}
	u.logger.Donef("File merged: %s", mergeResult.File.URL)

	if err := session.transition(StateComplete); err != nil {
		return nil, err
	}

	return &Result{
		Fingerprint: session.Fingerprint,
		ChunkTotal:  session.ChunkTotal,
		Stored:      session.Stored,
		Uploaded:    session.Uploaded,
		File:        mergeResult.File,
	}, nil
}

// validate runs before any network call. A source that can't be read while detecting its
// content type is a read error, everything else is an invalid configuration.
func (u *Uploader) validate(file File, opts Options) (chunker.Plan, *StageError) {
	invalid := func(err error) (chunker.Plan, *StageError) {
		return chunker.Plan{}, newStageError(StateHashing, ErrInvalidConfiguration, err)
	}

	if file.Content == nil {
		return invalid(fmt.Errorf("file %s has no content", file.Name))
	}
	if file.Size <= 0 {
		return invalid(fmt.Errorf("file %s is empty", file.Name))
	}

	contentType := file.ContentType
	if contentType == "" {
		detected, err := DetectContentType(file.Name, file.Content)
		if err != nil {
			return chunker.Plan{}, newStageError(StateHashing, ErrRead, fmt.Errorf("detect content type: %w", err))
		}
		contentType = detected
	}
	if !IsVideo(contentType) {
		return invalid(fmt.Errorf("%s is not a video (%s)", file.Name, contentType))
	}

	chunkSize := u.config.ChunkSize
	if opts.ChunkSize != 0 {
		chunkSize = opts.ChunkSize
	}
	plan, err := chunker.NewPlan(file.Size, chunkSize)
	if err != nil {
		return invalid(err)
	}
	return plan, nil
}

func (u *Uploader) transfer(ctx context.Context, session *Session, file File, plan chunker.Plan, opts Options) error {
	u.logger.Println()
	u.logger.Infof("Uploading chunks...")
	uploadStartTime := time.Now()

	transfer := chunkuploader.New(u.store, chunkuploader.Config{Concurrency: u.config.Concurrency}, u.logger)
	result, err := transfer.Upload(ctx, chunkuploader.Job{
		Fingerprint: session.Fingerprint,
		Provider:    chunker.NewReaderAtProvider(file.Content, plan),
		Stored:      session.Stored,
		OnProgress:  opts.OnProgress,
	})
	if err != nil {
		return err
	}
	session.Uploaded = result.Uploaded

	u.logger.Donef("%d chunks uploaded in %s (avg %s per chunk)", len(result.Uploaded),
		time.Since(uploadStartTime).Round(time.Millisecond),
		transfer.Stats().Average().Round(time.Millisecond))
	return nil
}
