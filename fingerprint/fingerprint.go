// Package fingerprint computes the content identity of a file that is used to
// resume chunked uploads across sessions.
package fingerprint

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrRead is returned when the byte source of a file can't be read.
var ErrRead = errors.New("read error")

// Of returns the hex-encoded MD5 digest of everything read from r.
// The content is streamed, so memory usage doesn't depend on the file size.
func Of(r io.Reader) (string, error) {
	hash := md5.New() //nolint:gosec

	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("%w: %s", ErrRead, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// OfReaderAt returns the digest of the first size bytes of r.
// A source holding fewer than size bytes is a read error.
func OfReaderAt(r io.ReaderAt, size int64) (string, error) {
	hash := md5.New() //nolint:gosec

	n, err := io.Copy(hash, io.NewSectionReader(r, 0, size))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRead, err)
	}
	if n != size {
		return "", fmt.Errorf("%w: read %d of %d bytes", ErrRead, n, size)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// OfFile returns the digest of the file at path.
func OfFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRead, err)
	}
	defer file.Close() //nolint:errcheck

	return Of(file)
}
