package videoupload

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunker"
	"github.com/bitrise-io/go-chunkupload/fingerprint"
	fakes "github.com/bitrise-io/go-chunkupload/internal/testing"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func newTestUploader(t *testing.T, store *fakes.ChunkStore, config Config) *Uploader {
	client, err := network.NewAPIClient(network.APIParams{BaseURL: store.URL()}, log.NewLogger())
	require.NoError(t, err)
	return NewUploader(client, config, log.NewLogger())
}

func videoContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func videoFile(data []byte) File {
	return File{Name: "clip.mp4", Size: int64(len(data)), Content: bytes.NewReader(data)}
}

func TestUploader_Upload_ResumesFromStoredChunks(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()

	data := videoContent(5 * mib)
	fp, err := fingerprint.Of(bytes.NewReader(data))
	require.NoError(t, err)
	store.PutChunk(fp, 0, data[:2*mib], time.Now())

	var states []State
	var reports []Progress
	var succeeded *Result
	uploader := newTestUploader(t, store, Config{ChunkSize: 2 * mib, Concurrency: 2})
	result, err := uploader.Upload(context.Background(), videoFile(data), Options{
		Description:   "holiday",
		OnProgress:    func(p Progress) { reports = append(reports, p) },
		OnSuccess:     func(r *Result) { succeeded = r },
		OnError:       func(err error) { t.Errorf("unexpected error: %s", err) },
		OnStateChange: func(from, to State) { states = append(states, to) },
	})
	require.NoError(t, err)

	assert.Equal(t, fp, result.Fingerprint)
	assert.Equal(t, 3, result.ChunkTotal)
	assert.Equal(t, []int{0}, result.Stored)
	assert.Equal(t, []int{1, 2}, result.Uploaded)
	assert.False(t, result.AlreadyComplete)
	assert.Equal(t, int64(5242880), result.File.Size)
	assert.Equal(t, "clip.mp4", result.File.Name)
	assert.Equal(t, "holiday", result.File.Description)
	assert.Same(t, result, succeeded)

	assert.ElementsMatch(t, []int{1, 2}, store.UploadCalls())
	assert.Equal(t, 1, store.MergeCalls())
	merged, ok := store.Merged(fp)
	require.True(t, ok)
	assert.Equal(t, data, merged.Data)

	assert.Equal(t, []State{StateNegotiating, StateTransferring, StateMerging, StateComplete}, states)

	require.NotEmpty(t, reports)
	assert.Equal(t, 40, reports[0].Percentage)
	assert.Equal(t, Progress{Loaded: 5 * mib, Total: 5 * mib, Percentage: 100}, reports[len(reports)-1])
}

func TestUploader_Upload_AlreadyComplete(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()

	data := videoContent(3 * mib)
	uploader := newTestUploader(t, store, Config{ChunkSize: mib, Concurrency: 2})

	_, err := uploader.Upload(context.Background(), videoFile(data), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, store.MergeCalls())
	uploadCalls := len(store.UploadCalls())

	var states []State
	result, err := uploader.Upload(context.Background(), videoFile(data), Options{
		OnStateChange: func(from, to State) { states = append(states, to) },
	})
	require.NoError(t, err)

	assert.True(t, result.AlreadyComplete)
	assert.Empty(t, result.Uploaded)
	assert.Equal(t, result.Fingerprint, result.File.Fingerprint)
	assert.Len(t, store.UploadCalls(), uploadCalls)
	assert.Equal(t, 1, store.MergeCalls())
	assert.Equal(t, []State{StateNegotiating, StateComplete}, states)
}

func TestUploader_Upload_FailFastThenResume(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()
	store.FailChunk = func(fingerprint string, index int) bool { return index == 2 }

	data := videoContent(5 * mib)
	uploader := newTestUploader(t, store, Config{ChunkSize: mib, Concurrency: 1})

	var reported error
	var states []State
	_, err := uploader.Upload(context.Background(), videoFile(data), Options{
		OnError:       func(err error) { reported = err },
		OnStateChange: func(from, to State) { states = append(states, to) },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.Equal(t, err, reported)
	assert.Contains(t, err.Error(), "chunk 2")
	assert.Equal(t, 0, store.MergeCalls())
	assert.Equal(t, StateFailed, states[len(states)-1])

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateTransferring, stageErr.Stage)

	fp, err := fingerprint.Of(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, store.StoredIndices(fp))

	store.FailChunk = nil
	result, err := uploader.Resume(context.Background(), videoFile(data), Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, result.Stored)
	assert.Equal(t, []int{2, 3, 4}, result.Uploaded)
	assert.Equal(t, 1, store.MergeCalls())
	assert.Equal(t, int64(5*mib), result.File.Size)
}

func TestUploader_Upload_AllChunksStoredStillMerges(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()

	data := videoContent(2 * mib)
	fp, err := fingerprint.Of(bytes.NewReader(data))
	require.NoError(t, err)
	store.PutChunk(fp, 0, data[:mib], time.Now())
	store.PutChunk(fp, 1, data[mib:], time.Now())

	uploader := newTestUploader(t, store, Config{ChunkSize: mib, Concurrency: 2})
	result, err := uploader.Upload(context.Background(), videoFile(data), Options{})
	require.NoError(t, err)

	assert.Empty(t, result.Uploaded)
	assert.Empty(t, store.UploadCalls())
	assert.Equal(t, 1, store.MergeCalls())
	assert.Equal(t, int64(2*mib), result.File.Size)
}

func TestUploader_Upload_InvalidConfiguration(t *testing.T) {
	data := videoContent(mib)

	tests := []struct {
		name   string
		config Config
		file   File
		opts   Options
		target error
	}{
		{
			name:   "zero chunk size",
			config: Config{ChunkSize: 0, Concurrency: 2},
			file:   videoFile(data),
			target: chunker.ErrInvalidChunkSize,
		},
		{
			name:   "negative chunk size option",
			config: DefaultConfig(),
			file:   videoFile(data),
			opts:   Options{ChunkSize: -1},
			target: chunker.ErrInvalidChunkSize,
		},
		{
			name:   "not a video",
			config: DefaultConfig(),
			file:   File{Name: "notes.txt", Size: 5, Content: bytes.NewReader([]byte("notes"))},
		},
		{
			name:   "declared content type wins",
			config: DefaultConfig(),
			file:   File{Name: "clip.mp4", Size: 5, ContentType: "image/png", Content: bytes.NewReader([]byte("notes"))},
		},
		{
			name:   "empty file",
			config: DefaultConfig(),
			file:   File{Name: "clip.mp4", Content: bytes.NewReader(nil)},
		},
		{
			name:   "no content",
			config: DefaultConfig(),
			file:   File{Name: "clip.mp4", Size: 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := fakes.NewChunkStore()
			defer store.Close()

			var states []State
			tt.opts.OnStateChange = func(from, to State) { states = append(states, to) }

			uploader := newTestUploader(t, store, tt.config)
			_, err := uploader.Upload(context.Background(), tt.file, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}

			assert.Equal(t, []State{StateFailed}, states)
			assert.Equal(t, 0, store.VerifyCalls())
			assert.Empty(t, store.UploadCalls())
			assert.Equal(t, 0, store.MergeCalls())
		})
	}
}

type failingReaderAt struct{ msg string }

func (r failingReaderAt) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New(r.msg)
}

func TestUploader_Upload_ReadError(t *testing.T) {
	tests := []struct {
		name    string
		file    File
		message string
	}{
		{
			name:    "unreadable video",
			file:    File{Name: "clip.mp4", Size: 100, Content: failingReaderAt{msg: "device detached"}},
			message: "device detached",
		},
		{
			name:    "unreadable while detecting the content type",
			file:    File{Name: "recording", Size: 100, Content: failingReaderAt{msg: "detached handle"}},
			message: "detached handle",
		},
		{
			name:    "content shorter than declared size",
			file:    File{Name: "clip.mp4", Size: 5 * mib, Content: bytes.NewReader(videoContent(3 * mib))},
			message: "read 3145728 of 5242880 bytes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := fakes.NewChunkStore()
			defer store.Close()

			uploader := newTestUploader(t, store, DefaultConfig())
			_, err := uploader.Upload(context.Background(), tt.file, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRead)
			assert.NotErrorIs(t, err, ErrInvalidConfiguration)
			assert.Contains(t, err.Error(), tt.message)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, StateHashing, stageErr.Stage)

			assert.Equal(t, 0, store.VerifyCalls())
			assert.Empty(t, store.UploadCalls())
			assert.Equal(t, 0, store.MergeCalls())
		})
	}
}

func TestUploader_Upload_NegotiationError(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()
	store.FailVerify = true

	uploader := newTestUploader(t, store, Config{ChunkSize: mib, Concurrency: 2})
	_, err := uploader.Upload(context.Background(), videoFile(videoContent(mib)), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.Empty(t, store.UploadCalls())
}

func TestUploader_Upload_MergeError(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()
	store.FailMerge = true

	data := videoContent(2 * mib)
	uploader := newTestUploader(t, store, Config{ChunkSize: mib, Concurrency: 2})
	_, err := uploader.Upload(context.Background(), videoFile(data), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMerge)

	fp, err := fingerprint.Of(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, store.StoredIndices(fp))

	store.FailMerge = false
	result, err := uploader.Upload(context.Background(), videoFile(data), Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Uploaded)
	assert.Equal(t, int64(2*mib), result.File.Size)
}

func TestUploader_Upload_Cancelled(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()
	store.UploadDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	uploader := newTestUploader(t, store, Config{ChunkSize: mib, Concurrency: 2})
	_, err := uploader.Upload(ctx, videoFile(videoContent(4*mib)), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.Equal(t, 0, store.MergeCalls())
}

func TestUploader_Cleanup(t *testing.T) {
	store := fakes.NewChunkStore()
	defer store.Close()

	now := time.Now()
	store.Now = func() time.Time { return now }
	store.PutChunk("old", 0, []byte("a"), now.Add(-25*time.Hour))
	store.PutChunk("old", 1, []byte("b"), now.Add(-30*time.Hour))
	store.PutChunk("fresh", 0, []byte("c"), now.Add(-time.Hour))

	uploader := newTestUploader(t, store, DefaultConfig())
	result, err := uploader.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Removed)
	assert.Empty(t, store.StoredIndices("old"))
	assert.Equal(t, []int{0}, store.StoredIndices("fresh"))
}
