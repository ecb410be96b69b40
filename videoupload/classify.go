package videoupload

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const sniffLen = 512

// videoTypes covers the common containers missing from the system mime tables on minimal hosts.
var videoTypes = map[string]string{
	".3gp":  "video/3gpp",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".ogv":  "video/ogg",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",
}

// IsVideo reports whether the media type describes a video.
func IsVideo(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "video/")
}

// DetectContentType guesses the media type of a file from its name, falling back to the
// leading bytes of its content.
func DetectContentType(name string, content io.ReaderAt) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if contentType, ok := videoTypes[ext]; ok {
		return contentType, nil
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType, nil
	}
	if content == nil {
		return "application/octet-stream", nil
	}

	buf := make([]byte, sniffLen)
	n, err := content.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}
