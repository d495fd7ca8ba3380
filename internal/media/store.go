// Package media owns the filesystem layout for original blobs, derived
// thumbnails and avatars, plus windowed reads for resumable downloads.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/whisperim/whisperd/internal/protocol"
)

// Download types accepted by the download handler.
const (
	DownloadAvatar    = "avatar"
	DownloadImage     = "image"
	DownloadVideo     = "video"
	DownloadFile      = "file"
	DownloadThumbnail = "thumbnail"
)

// ErrUnknownFileType is returned for attachment types outside
// {file, image, video}.
var ErrUnknownFileType = errors.New("unknown file type")

// Store maps logical media names to paths under the configured base
// directory. Directories are created on demand.
type Store struct {
	base string
	now  func() time.Time
}

// NewStore roots a media store at base.
func NewStore(base string) *Store {
	return &Store{base: base, now: time.Now}
}

// Base returns the configured base directory.
func (s *Store) Base() string {
	return s.base
}

// UniqueName mints the on-disk basename for an upload:
// <timestamp-with-microseconds>_<original_name>.
func (s *Store) UniqueName(originalName string) string {
	name := filepath.Base(strings.TrimSpace(originalName))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("%d_%s", s.now().UnixMicro(), name)
}

func dirFor(fileType string) (string, error) {
	switch fileType {
	case protocol.AttachmentFile:
		return "files", nil
	case protocol.AttachmentImage:
		return "images", nil
	case protocol.AttachmentVideo:
		return "videos", nil
	}
	return "", ErrUnknownFileType
}

// OriginalPath returns the path for an original blob of the given type,
// creating the directory if needed.
func (s *Store) OriginalPath(fileType, unique string) (string, error) {
	dir, err := dirFor(fileType)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.base, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	return filepath.Join(full, unique), nil
}

// ThumbnailPath returns the derived thumbnail path for a unique name.
// Images keep the source extension; video thumbnails are always JPEG.
func (s *Store) ThumbnailPath(fileType, unique string) string {
	switch fileType {
	case protocol.AttachmentImage:
		return filepath.Join(s.base, "images", "thumb_"+unique)
	case protocol.AttachmentVideo:
		return filepath.Join(s.base, "videos", "thumb_"+unique+".jpg")
	}
	return ""
}

// SaveAvatar writes an avatar blob and returns its id (the basename used as
// file_id) and full path.
func (s *Store) SaveAvatar(username string, data []byte) (string, string, error) {
	dir := filepath.Join(s.base, "avatars")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create avatar dir: %w", err)
	}
	id := fmt.Sprintf("%s_avatar_%d.jpg", username, s.now().Unix())
	path := filepath.Join(dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write avatar: %w", err)
	}
	return id, path, nil
}

// ReadWindow reads up to one chunk of the file at offset. isComplete is
// true when the window reaches (or starts at or past) EOF.
func (s *Store) ReadWindow(path string, offset int64) (data []byte, fileSize int64, isComplete bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, false, fmt.Errorf("stat media file: %w", err)
	}
	fileSize = info.Size()

	if offset < 0 {
		offset = 0
	}
	if offset >= fileSize {
		return nil, fileSize, true, nil
	}

	buf := make([]byte, protocol.ChunkSize)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, false, fmt.Errorf("read media window: %w", err)
	}
	return buf[:n], fileSize, offset+int64(n) >= fileSize, nil
}
