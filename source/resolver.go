// Package source resolves upload arguments (local paths, file:// URLs, glob patterns and
// remote http(s) URLs) into local files.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-chunkupload/videoupload"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

const (
	fileScheme    = "file://"
	globMetaRunes = "*?[{"
)

// ErrNoInput means none of the arguments resolved to an existing file.
var ErrNoInput = errors.New("no input file")

// Downloader fetches a remote file to a local path.
type Downloader interface {
	Download(ctx context.Context, target, source string) error
}

// Resolver turns upload arguments into local file paths.
type Resolver struct {
	downloader   Downloader
	fileManager  fileutil.FileManager
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewResolver ...
func NewResolver(
	downloader Downloader,
	fileManager fileutil.FileManager,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	logger log.Logger,
) *Resolver {
	return &Resolver{
		downloader:   downloader,
		fileManager:  fileManager,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// Resolve returns the absolute local paths of the given arguments, in argument order and
// without duplicates. Remote URLs are downloaded to a temporary directory first.
// Arguments that don't match any file are skipped with a warning.
func (r *Resolver) Resolve(ctx context.Context, args []string) ([]string, error) {
	seen := map[string]bool{}
	var paths []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}

	for _, arg := range args {
		switch {
		case isRemote(arg):
			path, err := r.download(ctx, arg)
			if err != nil {
				return nil, err
			}
			add(path)
		case strings.ContainsAny(arg, globMetaRunes):
			matches, err := r.Expand(strings.TrimPrefix(arg, fileScheme))
			if err != nil {
				r.logger.Warnf("Error in path pattern '%s': %s", arg, err)
				continue
			}
			if len(matches) == 0 {
				r.logger.Warnf("No match for path pattern: %s", arg)
				continue
			}
			for _, match := range matches {
				add(match)
			}
		default:
			path, err := r.localPath(arg)
			if err != nil {
				r.logger.Warnf("Skipping %s: %s", arg, err)
				continue
			}
			add(path)
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: none of %s exists", ErrNoInput, strings.Join(args, ", "))
	}
	return paths, nil
}

// Expand returns the absolute paths of the regular files matching a doublestar pattern.
func (r *Resolver) Expand(pattern string) ([]string, error) {
	base, pattern := doublestar.SplitPattern(pattern)
	absBase, err := r.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, match := range matches {
		path := filepath.Join(absBase, match)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Open opens a resolved path for upload.
func (r *Resolver) Open(path string) (videoupload.File, io.Closer, error) {
	f, err := r.fileManager.Open(path)
	if err != nil {
		return videoupload.File{}, nil, fmt.Errorf("%w: %s", videoupload.ErrRead, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return videoupload.File{}, nil, fmt.Errorf("%w: %s", videoupload.ErrRead, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return videoupload.File{}, nil, fmt.Errorf("%w: %s is a directory", videoupload.ErrRead, path)
	}

	return videoupload.File{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Content: f,
	}, f, nil
}

func (r *Resolver) localPath(arg string) (string, error) {
	path, err := r.pathModifier.AbsPath(strings.TrimPrefix(arg, fileScheme))
	if err != nil {
		return "", err
	}

	exists, err := r.pathChecker.IsPathExists(path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("path doesn't exist: %s", path)
	}
	return path, nil
}

func (r *Resolver) download(ctx context.Context, rawURL string) (string, error) {
	tmpDir, err := r.pathProvider.CreateTempDir("vidup")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %s: %w", rawURL, err)
	}
	fileName := filepath.Base(parsedURL.Path)
	if fileName == "." || fileName == "/" {
		return "", fmt.Errorf("URL %s doesn't name a file", rawURL)
	}

	localPath := filepath.Join(tmpDir, fileName)
	r.logger.Printf("Downloading %s", rawURL)
	if err := r.downloader.Download(ctx, localPath, rawURL); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", rawURL, err)
	}

	return localPath, nil
}

func isRemote(arg string) bool {
	return strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://")
}
