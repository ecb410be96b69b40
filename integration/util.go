//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

var logger = log.NewLogger()

// newStore connects to the chunk store described by the VIDUP_* environment variables.
func newStore(t *testing.T) (network.ChunkStore, config.Config) {
	cfg, err := config.Load(env.NewRepository())
	if err != nil {
		t.Skipf("chunk store is not configured: %s", err)
	}

	switch cfg.Store {
	case config.StoreS3:
		store, err := network.NewS3Store(context.Background(), network.S3StoreParams{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     string(cfg.S3.AccessKeyID),
			SecretAccessKey: string(cfg.S3.SecretAccessKey),
			NumRetries:      uint(cfg.HTTPRetries),
		}, logger)
		require.NoError(t, err)
		return store, cfg
	default:
		client, err := network.NewAPIClient(network.APIParams{
			BaseURL:  cfg.APIBaseURL,
			Token:    string(cfg.APIToken),
			RetryMax: cfg.HTTPRetries,
		}, logger)
		require.NoError(t, err)
		return client, cfg
	}
}

// randomVideo writes size random bytes to a .mp4 file, so every run uploads new content.
func randomVideo(t *testing.T, size int) string {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "integration-test.mp4")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}
