package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-chunkupload/videoupload"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDownloader struct {
	mock.Mock
}

func (m *mockDownloader) Download(ctx context.Context, target, source string) error {
	args := m.Called(ctx, target, source)
	if err := args.Error(0); err != nil {
		return err
	}
	return os.WriteFile(target, []byte("remote frames"), 0644)
}

func newTestResolver(downloader Downloader) *Resolver {
	return NewResolver(
		downloader,
		fileutil.NewFileManager(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		log.NewLogger(),
	)
}

func createFiles(t *testing.T, dir string, names ...string) {
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0644))
	}
}

func TestResolver_Resolve_LocalPaths(t *testing.T) {
	dir := t.TempDir()
	createFiles(t, dir, "a.mp4", "b.mov")

	resolver := newTestResolver(&mockDownloader{})
	paths, err := resolver.Resolve(context.Background(), []string{
		filepath.Join(dir, "a.mp4"),
		"file://" + filepath.Join(dir, "b.mov"),
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "missing.mp4"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.mov")}, paths)
}

func TestResolver_Resolve_Glob(t *testing.T) {
	dir := t.TempDir()
	createFiles(t, dir, "2024/a.mp4", "2024/notes.txt", "2025/q1/b.mp4", "c.mp4")

	resolver := newTestResolver(&mockDownloader{})
	paths, err := resolver.Resolve(context.Background(), []string{
		filepath.Join(dir, "**", "*.mp4"),
		filepath.Join(dir, "*.mkv"),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "2024", "a.mp4"),
		filepath.Join(dir, "2025", "q1", "b.mp4"),
		filepath.Join(dir, "c.mp4"),
	}, paths)
}

func TestResolver_Resolve_Remote(t *testing.T) {
	downloader := &mockDownloader{}
	downloader.On("Download", mock.Anything, mock.Anything, "https://cdn.example.com/videos/clip.mp4").Return(nil).Once()

	resolver := newTestResolver(downloader)
	paths, err := resolver.Resolve(context.Background(), []string{"https://cdn.example.com/videos/clip.mp4"})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	assert.Equal(t, "clip.mp4", filepath.Base(paths[0]))
	content, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "remote frames", string(content))
	downloader.AssertExpectations(t)
}

func TestResolver_Resolve_RemoteFailure(t *testing.T) {
	downloader := &mockDownloader{}
	downloader.On("Download", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("HTTP 404")).Once()

	resolver := newTestResolver(downloader)
	_, err := resolver.Resolve(context.Background(), []string{"https://cdn.example.com/videos/clip.mp4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
	downloader.AssertExpectations(t)
}

func TestResolver_Resolve_NothingFound(t *testing.T) {
	resolver := newTestResolver(&mockDownloader{})
	_, err := resolver.Resolve(context.Background(), []string{filepath.Join(t.TempDir(), "missing.mp4")})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestResolver_Open(t *testing.T) {
	dir := t.TempDir()
	createFiles(t, dir, "clip.mp4")

	resolver := newTestResolver(&mockDownloader{})
	file, closer, err := resolver.Open(filepath.Join(dir, "clip.mp4"))
	require.NoError(t, err)
	defer closer.Close() //nolint:errcheck

	assert.Equal(t, "clip.mp4", file.Name)
	assert.Equal(t, int64(len("clip.mp4")), file.Size)
	content, err := io.ReadAll(io.NewSectionReader(file.Content, 0, file.Size))
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", string(content))

}

func TestResolver_Open_Unreadable(t *testing.T) {
	dir := t.TempDir()
	createFiles(t, dir, "clips/clip.mp4")

	tests := []struct {
		name    string
		path    string
		message string
	}{
		{name: "missing file", path: filepath.Join(dir, "missing.mp4")},
		{name: "directory", path: filepath.Join(dir, "clips"), message: "is a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := newTestResolver(&mockDownloader{})
			_, closer, err := resolver.Open(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, videoupload.ErrRead)
			assert.Contains(t, err.Error(), tt.message)
			assert.Nil(t, closer)
		})
	}
}
