package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-chunkupload/source"
	"github.com/bitrise-io/go-chunkupload/videoupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

const usage = `Usage:
  vidup upload [-description text] [-chunk-size 2MiB] [-concurrency n] [-download dir] [-verbose] <path|glob|url>...
  vidup cleanup [-expire-hours 24] [-verbose]

Configuration is read from the environment:
  VIDUP_STORE (api|s3), VIDUP_API_URL, VIDUP_API_TOKEN, VIDUP_CHUNK_SIZE, VIDUP_CONCURRENCY,
  VIDUP_HTTP_RETRIES, VIDUP_S3_REGION, VIDUP_S3_BUCKET, VIDUP_S3_PREFIX,
  VIDUP_S3_ACCESS_KEY_ID, VIDUP_S3_SECRET_ACCESS_KEY
`

var errUsage = errors.New("invalid usage")

func main() {
	logger := log.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], env.NewRepository(), logger); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	switch args[0] {
	case "upload":
		return runUpload(ctx, args[1:], envRepo, logger)
	case "cleanup":
		return runCleanup(ctx, args[1:], envRepo, logger)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func runUpload(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger) error {
	flags := flag.NewFlagSet("upload", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	description := flags.String("description", "", "description of the uploaded videos")
	chunkSize := flags.String("chunk-size", "", "chunk size, e.g. 2MiB (overrides VIDUP_CHUNK_SIZE)")
	concurrency := flags.Int("concurrency", 0, "number of parallel chunk uploads (overrides VIDUP_CONCURRENCY)")
	downloadDir := flags.String("download", "", "download the merged files into this directory")
	verbose := flags.Bool("verbose", false, "enable debug logs")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %s", errUsage, err)
	}
	if flags.NArg() == 0 {
		return fmt.Errorf("%w: no input given", errUsage)
	}
	logger.EnableDebugLog(*verbose)

	cfg, err := config.Load(envRepo)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *chunkSize != "" {
		size, err := config.ParseChunkSize(*chunkSize)
		if err != nil {
			return fmt.Errorf("%w: invalid -chunk-size: %s", errUsage, err)
		}
		cfg.ChunkSize = size
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	cfg.Print(logger)

	store, err := newChunkStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	resolver := source.NewResolver(
		filedownloader.NewDownloader(logger),
		fileutil.NewFileManager(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		logger,
	)
	paths, err := resolver.Resolve(ctx, flags.Args())
	if err != nil {
		return err
	}

	uploader := videoupload.NewUploader(store, videoupload.Config{
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
	}, logger)

	var failed []string
	for _, path := range paths {
		logger.Println()
		result, err := uploadFile(ctx, uploader, resolver, path, *description, logger)
		if err != nil {
			failed = append(failed, filepath.Base(path))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if *downloadDir != "" && !result.AlreadyComplete {
			downloadMerged(ctx, result.File, *downloadDir, logger)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d uploads failed: %s", len(failed), len(paths), strings.Join(failed, ", "))
	}
	return nil
}

func uploadFile(ctx context.Context, uploader *videoupload.Uploader, resolver *source.Resolver, path, description string, logger log.Logger) (*videoupload.Result, error) {
	file, closer, err := resolver.Open(path)
	if err != nil {
		logger.Errorf("%s", err)
		return nil, err
	}
	defer closer.Close() //nolint:errcheck

	lastReported := -10
	return uploader.Upload(ctx, file, videoupload.Options{
		Description: description,
		OnProgress: func(p videoupload.Progress) {
			if p.Percentage/10 == lastReported/10 && p.Percentage != 100 {
				return
			}
			lastReported = p.Percentage
			logger.Printf("%3d%% (%s / %s)", p.Percentage,
				units.HumanSizeWithPrecision(float64(p.Loaded), 3),
				units.HumanSizeWithPrecision(float64(p.Total), 3))
		},
		OnSuccess: func(result *videoupload.Result) {
			logger.Donef("%s uploaded: %s", file.Name, result.File.URL)
		},
		OnStateChange: func(from, to videoupload.State) {
			logger.Debugf("%s: %s -> %s", file.Name, from, to)
		},
	})
}

func downloadMerged(ctx context.Context, record network.FileRecord, dir string, logger log.Logger) {
	if !strings.HasPrefix(record.URL, "http://") && !strings.HasPrefix(record.URL, "https://") {
		logger.Warnf("Can't download %s from %s", record.Name, record.URL)
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warnf("Failed to create download directory: %s", err)
		return
	}

	dest := filepath.Join(dir, record.Name)
	if err := network.Download(ctx, network.DownloadParams{URL: record.URL, Dest: dest}, logger); err != nil {
		logger.Warnf("Failed to download %s: %s", record.URL, err)
		return
	}
	logger.Donef("Downloaded to %s", dest)
}

func runCleanup(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger) error {
	flags := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	expireHours := flags.Int("expire-hours", videoupload.DefaultExpireHours, "remove unmerged chunks older than this")
	verbose := flags.Bool("verbose", false, "enable debug logs")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %s", errUsage, err)
	}
	logger.EnableDebugLog(*verbose)

	cfg, err := config.Load(envRepo)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := newChunkStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	uploader := videoupload.NewUploader(store, videoupload.Config{
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
	}, logger)
	_, err = uploader.Cleanup(ctx, *expireHours)
	return err
}

func newChunkStore(ctx context.Context, cfg config.Config, logger log.Logger) (network.ChunkStore, error) {
	switch cfg.Store {
	case config.StoreS3:
		store, err := network.NewS3Store(ctx, network.S3StoreParams{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     string(cfg.S3.AccessKeyID),
			SecretAccessKey: string(cfg.S3.SecretAccessKey),
			NumRetries:      uint(cfg.HTTPRetries),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 store: %w", err)
		}
		return store, nil
	default:
		client, err := network.NewAPIClient(network.APIParams{
			BaseURL:  cfg.APIBaseURL,
			Token:    string(cfg.APIToken),
			RetryMax: cfg.HTTPRetries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create API client: %w", err)
		}
		return client, nil
	}
}
