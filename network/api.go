package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	verifyPath  = "/api/chunk/verify"
	uploadPath  = "/api/chunk/upload"
	mergePath   = "/api/chunk/merge"
	cleanupPath = "/api/chunk/cleanup"
)

type verifyResponse struct {
	Message string `json:"message"`
	Data    struct {
		UploadedChunks []int `json:"uploadedChunks"`
		IsComplete     bool  `json:"isComplete"`
	} `json:"data"`
}

type uploadResponse struct {
	Message string `json:"message"`
	Data    struct {
		ChunkIndex *int `json:"chunkIndex"`
	} `json:"data"`
}

type mergeRequest struct {
	FileHash    string `json:"fileHash"`
	FileName    string `json:"fileName"`
	ChunkTotal  int    `json:"chunkTotal"`
	Description string `json:"description"`
}

type mergeResponse struct {
	Message string     `json:"message"`
	Data    FileRecord `json:"data"`
}

type cleanupResponse struct {
	Message string `json:"message"`
	Data    struct {
		CleanedCount int `json:"cleanedCount"`
	} `json:"data"`
}

// APIParams ...
type APIParams struct {
	BaseURL string
	Token   string
	// RetryMax is the number of transport level retries of a single request.
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the backoff between retries; zero keeps the client defaults.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// HTTPClient overrides the retryable client built from the fields above.
	HTTPClient *retryablehttp.Client
}

// APIClient talks to the chunk upload endpoints of the gallery API.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(params APIParams, logger log.Logger) (*APIClient, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}

	client := params.HTTPClient
	if client == nil {
		client = retryhttp.NewClient(logger)
		client.RetryMax = params.RetryMax
		if params.RetryWaitMin > 0 {
			client.RetryWaitMin = params.RetryWaitMin
		}
		if params.RetryWaitMax > 0 {
			client.RetryWaitMax = params.RetryWaitMax
		}
	}

	return &APIClient{
		httpClient:  client,
		baseURL:     params.BaseURL,
		accessToken: params.Token,
		logger:      logger,
	}, nil
}

// StandardClient returns the underlying transport as a plain *http.Client.
func (c *APIClient) StandardClient() *http.Client {
	return c.httpClient.StandardClient()
}

// Verify ...
func (c *APIClient) Verify(ctx context.Context, fingerprint string, chunkTotal int) (VerifyResult, error) {
	query := url.Values{}
	query.Set("fileHash", fingerprint)
	query.Set("chunkTotal", strconv.Itoa(chunkTotal))
	apiURL := fmt.Sprintf("%s%s?%s", c.baseURL, verifyPath, query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return VerifyResult{}, err
	}
	c.authorize(req)

	var response verifyResponse
	if err := c.do(req, &response); err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		StoredIndices: response.Data.UploadedChunks,
		Complete:      response.Data.IsComplete,
	}, nil
}

// UploadChunk sends one chunk as a multipart form. onProgress observes the bytes of the
// request body as they are written to the connection, scaled to the chunk size.
func (c *APIClient) UploadChunk(ctx context.Context, params UploadChunkParams, onProgress ProgressFunc) (UploadAck, error) {
	body, contentType, err := multipartChunkBody(params)
	if err != nil {
		return UploadAck{}, fmt.Errorf("build multipart body: %w", err)
	}

	chunkSize := int64(len(params.Data))
	bodySize := int64(len(body))
	bodyFunc := func() (io.Reader, error) {
		return &progressReader{
			reader: bytes.NewReader(body),
			onRead: func(read int64) {
				if onProgress != nil {
					onProgress(scaleProgress(read, bodySize, chunkSize), chunkSize)
				}
			},
		}, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, retryablehttp.ReaderFunc(bodyFunc))
	if err != nil {
		return UploadAck{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", contentType)
	// Add Content-Length header manually because retryablehttp doesn't do it for reader funcs
	req.Header.Set("Content-Length", fmt.Sprintf("%d", bodySize))
	req.ContentLength = bodySize

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	var response uploadResponse
	if err := c.do(req, &response); err != nil {
		return UploadAck{}, err
	}

	if response.Data.ChunkIndex != nil && *response.Data.ChunkIndex != params.Index {
		return UploadAck{}, fmt.Errorf("acknowledged chunk %d instead of %d", *response.Data.ChunkIndex, params.Index)
	}

	return UploadAck{Index: params.Index, Message: response.Message}, nil
}

// Merge ...
func (c *APIClient) Merge(ctx context.Context, params MergeParams) (MergeResult, error) {
	body, err := json.Marshal(mergeRequest{
		FileHash:    params.Fingerprint,
		FileName:    params.FileName,
		ChunkTotal:  params.ChunkTotal,
		Description: params.Description,
	})
	if err != nil {
		return MergeResult{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mergePath, body)
	if err != nil {
		return MergeResult{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	var response mergeResponse
	if err := c.do(req, &response); err != nil {
		return MergeResult{}, err
	}

	return MergeResult{File: response.Data, Message: response.Message}, nil
}

// Cleanup ...
func (c *APIClient) Cleanup(ctx context.Context, expireHours int) (CleanupResult, error) {
	apiURL := fmt.Sprintf("%s%s?expireHours=%d", c.baseURL, cleanupPath, expireHours)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, apiURL, nil)
	if err != nil {
		return CleanupResult{}, err
	}
	c.authorize(req)

	var response cleanupResponse
	if err := c.do(req, &response); err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{Removed: response.Data.CleanedCount, Message: response.Message}, nil
}

func (c *APIClient) authorize(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

// do sends the request and decodes a JSON response body into v. An empty body is accepted.
func (c *APIClient) do(req *retryablehttp.Request, v interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf("%s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func multipartChunkBody(params UploadChunkParams) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", fmt.Sprintf("%s-%d", params.Fingerprint, params.Index))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(params.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"fileHash", params.Fingerprint},
		{"chunkIndex", strconv.Itoa(params.Index)},
		{"chunkTotal", strconv.Itoa(params.Total)},
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

type progressReader struct {
	reader io.Reader
	read   int64
	onRead func(read int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.read += int64(n)
		r.onRead(r.read)
	}
	return n, err
}

// scaleProgress maps the bytes read from a request body to bytes of the chunk it carries.
func scaleProgress(read, bodySize, chunkSize int64) int64 {
	if bodySize <= 0 || read >= bodySize {
		return chunkSize
	}
	return int64(float64(read) / float64(bodySize) * float64(chunkSize))
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
