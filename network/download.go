package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	URL  string
	Dest string
	// HTTPClient overrides the default retryable client.
	HTTPClient *http.Client
}

// Download fetches a merged file, splitting the transfer into parallel ranged requests.
func Download(ctx context.Context, params DownloadParams, logger log.Logger) error {
	if params.URL == "" {
		return fmt.Errorf("download URL is empty")
	}
	if params.Dest == "" {
		return fmt.Errorf("download destination is empty")
	}

	client := params.HTTPClient
	if client == nil {
		retryableHTTPClient := retryhttp.NewClient(logger)
		retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)
		client = retryableHTTPClient.StandardClient()
	}

	logger.Debugf("Downloading %s to %s", params.URL, params.Dest)
	return downloadFile(ctx, client, params.URL, params.Dest)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
