package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	metaFileName    = "file-name"
	metaDescription = "description"
	metaChunkTotal  = "chunk-total"
)

var errS3KeyNotFound = errors.New("key not found in s3 bucket")

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3StoreParams ...
type S3StoreParams struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	NumRetries      uint
	RetryWait       time.Duration
}

// S3Store keeps chunks and merged files in an S3 bucket:
//
//	<prefix>/chunks/<fingerprint>/<index>
//	<prefix>/files/<fingerprint>
type S3Store struct {
	client     S3API
	bucket     string
	prefix     string
	numRetries uint
	retryWait  time.Duration
	logger     log.Logger
	now        func() time.Time
}

// NewS3Store creates an S3Store using the default AWS credential chain,
// or the static credentials in params when both are set.
func NewS3Store(ctx context.Context, params S3StoreParams, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3StoreWithClient(s3.NewFromConfig(*cfg), params, logger), nil
}

// NewS3StoreWithClient ...
func NewS3StoreWithClient(client S3API, params S3StoreParams, logger log.Logger) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     params.Bucket,
		prefix:     strings.Trim(params.Prefix, "/"),
		numRetries: params.NumRetries,
		retryWait:  params.RetryWait,
		logger:     logger,
		now:        time.Now,
	}
}

// Verify reports the file complete only once the merged object exists;
// a full set of chunks without it still needs a merge.
func (s *S3Store) Verify(ctx context.Context, fingerprint string, chunkTotal int) (VerifyResult, error) {
	var result VerifyResult
	err := s.withRetry(func(attempt uint) (error, bool) {
		_, err := s.headObject(ctx, s.fileKey(fingerprint))
		switch {
		case err == nil:
			result = VerifyResult{Complete: true}
			return nil, true
		case !errors.Is(err, errS3KeyNotFound):
			return err, false
		}

		stored, err := s.storedChunks(ctx, fingerprint)
		if err != nil {
			return err, false
		}

		indices := make([]int, 0, len(stored))
		for index := range stored {
			if index < chunkTotal {
				indices = append(indices, index)
			}
		}
		sort.Ints(indices)

		result = VerifyResult{StoredIndices: indices}
		return nil, true
	})

	return result, err
}

// UploadChunk ...
func (s *S3Store) UploadChunk(ctx context.Context, params UploadChunkParams, onProgress ProgressFunc) (UploadAck, error) {
	size := int64(len(params.Data))
	err := s.withRetry(func(attempt uint) (error, bool) {
		body := &progressReader{
			reader: bytes.NewReader(params.Data),
			onRead: func(read int64) {
				if onProgress != nil {
					onProgress(read, size)
				}
			},
		}

		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.chunkKey(params.Fingerprint, params.Index)),
			Body:          body,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/octet-stream"),
		})
		if err != nil {
			return fmt.Errorf("put chunk %d: %w", params.Index, err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return UploadAck{}, err
	}

	return UploadAck{Index: params.Index}, nil
}

// Merge concatenates the stored chunks in index order into the final object and removes them.
// When the final object already exists it is returned as is.
func (s *S3Store) Merge(ctx context.Context, params MergeParams) (MergeResult, error) {
	key := s.fileKey(params.Fingerprint)

	if head, err := s.headObject(ctx, key); err == nil {
		s.logger.Debugf("Merged object already exists: %s", key)
		return MergeResult{File: s.fileRecord(params.Fingerprint, head), Message: "file already exists"}, nil
	} else if !errors.Is(err, errS3KeyNotFound) {
		return MergeResult{}, err
	}

	stored, err := s.storedChunks(ctx, params.Fingerprint)
	if err != nil {
		return MergeResult{}, err
	}
	for i := 0; i < params.ChunkTotal; i++ {
		if _, ok := stored[i]; !ok {
			return MergeResult{}, fmt.Errorf("chunk %d of %d is missing", i, params.ChunkTotal)
		}
	}

	err = s.withRetry(func(attempt uint) (error, bool) {
		reader, writer := io.Pipe()
		go func() {
			writer.CloseWithError(s.copyChunks(ctx, writer, params.Fingerprint, params.ChunkTotal))
		}()

		uploader := manager.NewUploader(s.client)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        reader,
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				metaFileName:    params.FileName,
				metaDescription: params.Description,
				metaChunkTotal:  strconv.Itoa(params.ChunkTotal),
			},
		})
		_ = reader.Close()
		if err != nil {
			return fmt.Errorf("upload merged object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return MergeResult{}, err
	}

	for i := 0; i < params.ChunkTotal; i++ {
		if err := s.deleteObject(ctx, s.chunkKey(params.Fingerprint, i)); err != nil {
			s.logger.Warnf("Failed to remove merged chunk %d: %s", i, err)
		}
	}

	head, err := s.headObject(ctx, key)
	if err != nil {
		return MergeResult{}, fmt.Errorf("stat merged object: %w", err)
	}

	return MergeResult{File: s.fileRecord(params.Fingerprint, head)}, nil
}

// Cleanup removes chunk objects last modified more than expireHours ago.
func (s *S3Store) Cleanup(ctx context.Context, expireHours int) (CleanupResult, error) {
	threshold := s.now().Add(-time.Duration(expireHours) * time.Hour)

	var expired []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.join("chunks") + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("list chunks: %w", err)
		}
		for _, object := range page.Contents {
			if object.LastModified != nil && object.LastModified.Before(threshold) {
				expired = append(expired, aws.ToString(object.Key))
			}
		}
	}

	removed := 0
	for _, key := range expired {
		if err := s.deleteObject(ctx, key); err != nil {
			return CleanupResult{Removed: removed}, err
		}
		removed++
	}

	return CleanupResult{Removed: removed}, nil
}

func (s *S3Store) storedChunks(ctx context.Context, fingerprint string) (map[int]struct{}, error) {
	prefix := s.join("chunks", fingerprint) + "/"
	stored := map[int]struct{}{}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		for _, object := range page.Contents {
			index, err := strconv.Atoi(strings.TrimPrefix(aws.ToString(object.Key), prefix))
			if err != nil {
				s.logger.Debugf("Skipping unexpected object: %s", aws.ToString(object.Key))
				continue
			}
			stored[index] = struct{}{}
		}
	}

	return stored, nil
}

func (s *S3Store) copyChunks(ctx context.Context, w io.Writer, fingerprint string, chunkTotal int) error {
	for i := 0; i < chunkTotal; i++ {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.chunkKey(fingerprint, i)),
		})
		if err != nil {
			return fmt.Errorf("get chunk %d: %w", i, err)
		}

		_, err = io.Copy(w, result.Body)
		_ = result.Body.Close()
		if err != nil {
			return fmt.Errorf("copy chunk %d: %w", i, err)
		}
	}
	return nil
}

func (s *S3Store) headObject(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NotFound:
				return nil, errS3KeyNotFound
			default:
				return nil, fmt.Errorf("aws api error: %w", err)
			}
		}
		return nil, fmt.Errorf("generic aws error: %w", err)
	}

	return output, nil
}

func (s *S3Store) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) withRetry(action func(attempt uint) (error, bool)) error {
	return retry.Times(s.numRetries).Wait(s.retryWait).TryWithAbort(action)
}

func (s *S3Store) fileRecord(fingerprint string, head *s3.HeadObjectOutput) FileRecord {
	key := s.fileKey(fingerprint)
	record := FileRecord{
		ID:          RecordID(fingerprint),
		Name:        head.Metadata[metaFileName],
		Description: head.Metadata[metaDescription],
		URL:         fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Size:        aws.ToInt64(head.ContentLength),
		Fingerprint: fingerprint,
	}
	if head.LastModified != nil {
		record.CreatedAt = head.LastModified.UTC().Format(time.RFC3339)
	}
	return record
}

func (s *S3Store) chunkKey(fingerprint string, index int) string {
	return s.join("chunks", fingerprint, strconv.Itoa(index))
}

func (s *S3Store) fileKey(fingerprint string) string {
	return s.join("files", fingerprint)
}

func (s *S3Store) join(elem ...string) string {
	if s.prefix == "" {
		return path.Join(elem...)
	}
	return path.Join(append([]string{s.prefix}, elem...)...)
}
