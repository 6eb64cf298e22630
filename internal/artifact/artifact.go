// Package artifact stores fetched call recordings and hands out opaque
// locators that are passed downstream instead of the bytes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned by Open and Delete for a missing object.
	ErrNotFound = errors.New("artifact not found")
	// ErrForeignLocator is returned for a locator another backend issued.
	ErrForeignLocator = errors.New("locator does not belong to this store")
)

// Object describes a stored artifact.
type Object struct {
	Locator     string
	ContentType string
	Size        int64
}

// Store persists artifacts by key. Keys are slash-separated relative paths
// such as "<tenant>/<event>/recording.mp3".
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Delete(ctx context.Context, locator string) error
}

// ValidateKey rejects empty keys, absolute paths and dot segments.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("artifact key is empty")
	}
	if strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("artifact key %q must be relative", key)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("artifact key %q is invalid", key)
		}
	}
	if filepath.ToSlash(filepath.Clean(trimmed)) != trimmed {
		return fmt.Errorf("artifact key %q is invalid", key)
	}
	return nil
}

// ExtensionFor picks a file extension for a recording content type.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
