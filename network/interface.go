package network

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ChunkStore is the remote, authoritative store of uploaded chunks and merged files.
type ChunkStore interface {
	// Verify reports which chunks of the file identified by fingerprint are already stored.
	Verify(ctx context.Context, fingerprint string, chunkTotal int) (VerifyResult, error)
	// UploadChunk stores a single chunk. Re-uploading a stored index must succeed.
	UploadChunk(ctx context.Context, params UploadChunkParams, onProgress ProgressFunc) (UploadAck, error)
	// Merge assembles the stored chunks into the final file. Safe to call more than once.
	Merge(ctx context.Context, params MergeParams) (MergeResult, error)
	// Cleanup removes chunk records older than expireHours that never got merged.
	Cleanup(ctx context.Context, expireHours int) (CleanupResult, error)
}

// ProgressFunc receives the number of chunk bytes sent so far out of total.
// It is called from the goroutine performing the upload.
type ProgressFunc func(sent, total int64)

// VerifyResult ...
type VerifyResult struct {
	StoredIndices []int
	Complete      bool
}

// UploadChunkParams ...
type UploadChunkParams struct {
	Fingerprint string
	Index       int
	Total       int
	Data        []byte
}

// UploadAck ...
type UploadAck struct {
	Index   int
	Message string
}

// MergeParams ...
type MergeParams struct {
	Fingerprint string
	FileName    string
	ChunkTotal  int
	Description string
}

// MergeResult ...
type MergeResult struct {
	File    FileRecord
	Message string
}

// CleanupResult ...
type CleanupResult struct {
	Removed int
	Message string
}

// FileRecord describes a merged file on the remote side.
type FileRecord struct {
	ID          RecordID `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Size        int64    `json:"size"`
	Description string   `json:"description,omitempty"`
	Fingerprint string   `json:"fileHash,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
}

// RecordID is a file record identifier. The API returns it either as a JSON number or string.
type RecordID string

// UnmarshalJSON ...
func (id *RecordID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = RecordID(n.String())
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid record id %s: %w", strings.TrimSpace(string(b)), err)
	}
	*id = RecordID(s)
	return nil
}
