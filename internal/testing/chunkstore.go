// Package testing provides an in-memory implementation of the chunk upload API for tests.
package testing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ChunkStore is a fake chunk store server. Acknowledged chunks survive between sessions,
// so it can be used to exercise resume behaviour.
type ChunkStore struct {
	// Token, when set, is required as a bearer token on every request.
	Token string
	// FailChunk makes the upload of the matching chunk fail with HTTP 400.
	FailChunk func(fingerprint string, index int) bool
	// UploadDelay is applied before a chunk upload is acknowledged.
	UploadDelay time.Duration
	// FailVerify and FailMerge make the matching endpoint fail with HTTP 400.
	FailVerify bool
	FailMerge  bool
	// Now is the clock used for cleanup.
	Now func() time.Time

	server *httptest.Server

	mu           sync.Mutex
	chunks       map[string]map[int]storedChunk
	merged       map[string]MergedFile
	nextID       int
	verifyCalls  int
	uploadCalls  []int
	mergeCalls   int
	cleanupCalls int
}

type storedChunk struct {
	data       []byte
	uploadedAt time.Time
}

// MergedFile is a file assembled by a merge request.
type MergedFile struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Description string `json:"description"`
	FileHash    string `json:"fileHash"`
	Data        []byte `json:"-"`
}

// NewChunkStore starts a fake chunk store server. Call Close when done.
func NewChunkStore() *ChunkStore {
	s := &ChunkStore{
		Now:    time.Now,
		chunks: map[string]map[int]storedChunk{},
		merged: map[string]MergedFile{},
		nextID: 1,
	}
	s.server = httptest.NewServer(s.handler())
	return s
}

// URL returns the base URL of the server.
func (s *ChunkStore) URL() string {
	return s.server.URL
}

// Close shuts the server down.
func (s *ChunkStore) Close() {
	s.server.Close()
}

// StoredIndices returns the acknowledged chunk indices of a fingerprint.
func (s *ChunkStore) StoredIndices(fingerprint string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedIndices(fingerprint)
}

// Merged returns the merged file of a fingerprint.
func (s *ChunkStore) Merged(fingerprint string) (MergedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.merged[fingerprint]
	return file, ok
}

// PutChunk stores a chunk as if it was uploaded at uploadedAt.
func (s *ChunkStore) PutChunk(fingerprint string, index int, data []byte, uploadedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putChunk(fingerprint, index, data, uploadedAt)
}

// VerifyCalls returns the number of verify requests served.
func (s *ChunkStore) VerifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls
}

// UploadCalls returns the chunk indices of every upload request, in arrival order.
func (s *ChunkStore) UploadCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.uploadCalls...)
}

// MergeCalls returns the number of merge requests served.
func (s *ChunkStore) MergeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeCalls
}

// CleanupCalls returns the number of cleanup requests served.
func (s *ChunkStore) CleanupCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupCalls
}

func (s *ChunkStore) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chunk/verify", s.authorized(http.MethodGet, s.handleVerify))
	mux.HandleFunc("/api/chunk/upload", s.authorized(http.MethodPost, s.handleUpload))
	mux.HandleFunc("/api/chunk/merge", s.authorized(http.MethodPost, s.handleMerge))
	mux.HandleFunc("/api/chunk/cleanup", s.authorized(http.MethodDelete, s.handleCleanup))
	mux.HandleFunc("/files/", s.handleFile)
	return mux
}

func (s *ChunkStore) authorized(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *ChunkStore) handleVerify(w http.ResponseWriter, r *http.Request) {
	fileHash := r.URL.Query().Get("fileHash")
	chunkTotal, err := strconv.Atoi(r.URL.Query().Get("chunkTotal"))
	if fileHash == "" || err != nil {
		writeError(w, http.StatusBadRequest, "fileHash and chunkTotal are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++

	if s.FailVerify {
		writeError(w, http.StatusBadRequest, "verify failed")
		return
	}

	_, isComplete := s.merged[fileHash]
	uploaded := []int{}
	for _, index := range s.storedIndices(fileHash) {
		if index < chunkTotal {
			uploaded = append(uploaded, index)
		}
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"uploadedChunks": uploaded,
		"isComplete":     isComplete,
	})
}

func (s *ChunkStore) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fileHash := r.FormValue("fileHash")
	index, indexErr := strconv.Atoi(r.FormValue("chunkIndex"))
	total, totalErr := strconv.Atoi(r.FormValue("chunkTotal"))
	if fileHash == "" || indexErr != nil || totalErr != nil || index < 0 || index >= total {
		writeError(w, http.StatusBadRequest, "invalid chunk fields")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.uploadCalls = append(s.uploadCalls, index)
	fail := s.FailChunk != nil && s.FailChunk(fileHash, index)
	delay := s.UploadDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if fail {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d rejected", index))
		return
	}

	s.mu.Lock()
	s.putChunk(fileHash, index, data, s.Now())
	s.mu.Unlock()

	writeData(w, http.StatusOK, map[string]interface{}{"chunkIndex": index})
}

func (s *ChunkStore) handleMerge(w http.ResponseWriter, r *http.Request) {
	var request struct {
		FileHash    string `json:"fileHash"`
		FileName    string `json:"fileName"`
		ChunkTotal  int    `json:"chunkTotal"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeCalls++

	if s.FailMerge {
		writeError(w, http.StatusBadRequest, "merge failed")
		return
	}

	if file, ok := s.merged[request.FileHash]; ok {
		writeData(w, http.StatusOK, file)
		return
	}

	var buf bytes.Buffer
	for i := 0; i < request.ChunkTotal; i++ {
		chunk, ok := s.chunks[request.FileHash][i]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d is missing", i))
			return
		}
		buf.Write(chunk.data)
	}

	file := MergedFile{
		ID:          s.nextID,
		Name:        request.FileName,
		URL:         fmt.Sprintf("%s/files/%s", s.server.URL, request.FileHash),
		Size:        int64(buf.Len()),
		Description: request.Description,
		FileHash:    request.FileHash,
		Data:        buf.Bytes(),
	}
	s.nextID++
	s.merged[request.FileHash] = file
	delete(s.chunks, request.FileHash)

	writeData(w, http.StatusOK, file)
}

func (s *ChunkStore) handleCleanup(w http.ResponseWriter, r *http.Request) {
	expireHours, err := strconv.Atoi(r.URL.Query().Get("expireHours"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "expireHours is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCalls++

	threshold := s.Now().Add(-time.Duration(expireHours) * time.Hour)
	cleaned := 0
	for fingerprint, chunks := range s.chunks {
		for index, chunk := range chunks {
			if chunk.uploadedAt.Before(threshold) {
				delete(chunks, index)
				cleaned++
			}
		}
		if len(chunks) == 0 {
			delete(s.chunks, fingerprint)
		}
	}

	writeData(w, http.StatusOK, map[string]interface{}{"cleanedCount": cleaned})
}

func (s *ChunkStore) handleFile(w http.ResponseWriter, r *http.Request) {
	fingerprint := strings.TrimPrefix(r.URL.Path, "/files/")

	s.mu.Lock()
	file, ok := s.merged[fingerprint]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	http.ServeContent(w, r, file.Name, time.Time{}, bytes.NewReader(file.Data))
}

func (s *ChunkStore) putChunk(fingerprint string, index int, data []byte, uploadedAt time.Time) {
	if s.chunks[fingerprint] == nil {
		s.chunks[fingerprint] = map[int]storedChunk{}
	}
	s.chunks[fingerprint][index] = storedChunk{data: data, uploadedAt: uploadedAt}
}

func (s *ChunkStore) storedIndices(fingerprint string) []int {
	indices := make([]int, 0, len(s.chunks[fingerprint]))
	for index := range s.chunks[fingerprint] {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    status,
		"message": "success",
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    status,
		"message": message,
	})
}
