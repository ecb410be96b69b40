// Package config reads the upload client configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-chunkupload/chunker"
	"github.com/bitrise-io/go-chunkupload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Environment variables read by Load.
const (
	APIURLKey            = "VIDUP_API_URL"
	APITokenKey          = "VIDUP_API_TOKEN"
	ChunkSizeKey         = "VIDUP_CHUNK_SIZE"
	ConcurrencyKey       = "VIDUP_CONCURRENCY"
	HTTPRetriesKey       = "VIDUP_HTTP_RETRIES"
	StoreKey             = "VIDUP_STORE"
	S3RegionKey          = "VIDUP_S3_REGION"
	S3BucketKey          = "VIDUP_S3_BUCKET"
	S3PrefixKey          = "VIDUP_S3_PREFIX"
	S3AccessKeyIDKey     = "VIDUP_S3_ACCESS_KEY_ID"
	S3SecretAccessKeyKey = "VIDUP_S3_SECRET_ACCESS_KEY"
)

const (
	defaultHTTPRetries    = 3
	secretPlaceholderText = "*****"
)

// StoreKind selects the chunk store backend.
type StoreKind string

const (
	StoreAPI StoreKind = "api"
	StoreS3  StoreKind = "s3"
)

// Secret is a string that is redacted when printed.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretPlaceholderText
}

// S3Config ...
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     Secret
	SecretAccessKey Secret
}

// Config ...
type Config struct {
	Store       StoreKind
	APIBaseURL  string
	APIToken    Secret
	ChunkSize   int64
	Concurrency int
	HTTPRetries int
	S3          S3Config
}

// Load reads the configuration from envRepo and validates it.
func Load(envRepo env.Repository) (Config, error) {
	cfg := Config{
		Store:       StoreKind(strings.ToLower(strings.TrimSpace(envRepo.Get(StoreKey)))),
		APIBaseURL:  strings.TrimRight(strings.TrimSpace(envRepo.Get(APIURLKey)), "/"),
		APIToken:    Secret(envRepo.Get(APITokenKey)),
		ChunkSize:   chunker.DefaultChunkSize,
		Concurrency: chunkuploader.DefaultConcurrency(),
		HTTPRetries: defaultHTTPRetries,
		S3: S3Config{
			Region:          envRepo.Get(S3RegionKey),
			Bucket:          envRepo.Get(S3BucketKey),
			Prefix:          envRepo.Get(S3PrefixKey),
			AccessKeyID:     Secret(envRepo.Get(S3AccessKeyIDKey)),
			SecretAccessKey: Secret(envRepo.Get(S3SecretAccessKeyKey)),
		},
	}
	if cfg.Store == "" {
		cfg.Store = StoreAPI
	}

	if value := envRepo.Get(ChunkSizeKey); value != "" {
		size, err := ParseChunkSize(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", ChunkSizeKey, err)
		}
		cfg.ChunkSize = size
	}

	if value := envRepo.Get(ConcurrencyKey); value != "" {
		concurrency, err := strconv.Atoi(value)
		if err != nil || concurrency < 1 {
			return Config{}, fmt.Errorf("invalid %s: %q should be a positive integer", ConcurrencyKey, value)
		}
		cfg.Concurrency = concurrency
	}

	if value := envRepo.Get(HTTPRetriesKey); value != "" {
		retries, err := strconv.Atoi(value)
		if err != nil || retries < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q should be a non-negative integer", HTTPRetriesKey, value)
		}
		cfg.HTTPRetries = retries
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ParseChunkSize parses a human readable size like 2MiB, 512k or 1048576, up to
// chunker.MaxChunkSize.
func ParseChunkSize(value string) (int64, error) {
	size, err := units.RAMInBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if size <= 0 || size > chunker.MaxChunkSize {
		return 0, fmt.Errorf("%w: %d", chunker.ErrInvalidChunkSize, size)
	}
	return size, nil
}

func (c Config) validate() error {
	switch c.Store {
	case StoreAPI:
		if c.APIBaseURL == "" {
			return fmt.Errorf("%s is not defined", APIURLKey)
		}
	case StoreS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%s is not defined", S3BucketKey)
		}
		if c.S3.Region == "" {
			return fmt.Errorf("%s is not defined", S3RegionKey)
		}
	default:
		return fmt.Errorf("invalid %s: %q, should be one of: %s, %s", StoreKey, c.Store, StoreAPI, StoreS3)
	}
	return nil
}

// Print logs the configuration with secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- Store: %s", c.Store)
	switch c.Store {
	case StoreAPI:
		logger.Printf("- API URL: %s", c.APIBaseURL)
		logger.Printf("- API token: %s", c.APIToken)
	case StoreS3:
		logger.Printf("- S3 bucket: %s (%s)", c.S3.Bucket, c.S3.Region)
		logger.Printf("- S3 prefix: %s", c.S3.Prefix)
		logger.Printf("- S3 access key ID: %s", c.S3.AccessKeyID)
	}
	logger.Printf("- Chunk size: %s", units.BytesSize(float64(c.ChunkSize)))
	logger.Printf("- Concurrency: %d", c.Concurrency)
	logger.Printf("- HTTP retries: %d", c.HTTPRetries)
}
