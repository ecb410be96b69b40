package videoupload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is the source of an upload.
type File struct {
	// Name is sent to the store as the name of the merged file.
	Name string
	Size int64
	// ContentType is detected from Name and Content when empty.
	ContentType string
	Content     io.ReaderAt
}

// OpenFile opens a local file for upload. The returned closer releases the file handle.
func OpenFile(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("%w: %s", ErrRead, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("%w: %s", ErrRead, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("%w: %s is a directory", ErrRead, path)
	}

	return File{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Content: f,
	}, f, nil
}
