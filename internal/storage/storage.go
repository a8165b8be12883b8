// Package storage places recordings and snapshots on disk and refuses to
// start either when the disk is nearly full.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// DefaultMinFree is the free space required before anything is written.
const DefaultMinFree = 100 << 20

var (
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrInvalidName         = errors.New("invalid media file name")
)

// Notifier is told when an operation is refused for lack of space.
type Notifier interface {
	InsufficientStorage(dir string, free, required uint64)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(dir string, free, required uint64)

func (f NotifierFunc) InsufficientStorage(dir string, free, required uint64) {
	f(dir, free, required)
}

// DiskFree returns the bytes available to unprivileged users on the
// filesystem holding path.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}

// Config locates the media directory.
type Config struct {
	Dir     string
	MinFree uint64

	// FreeSpace reports free bytes for a path. Defaults to DiskFree.
	FreeSpace func(path string) (uint64, error)
}

// Store is the media directory.
type Store struct {
	fs       afero.Fs
	dir      string
	minFree  uint64
	notifier Notifier

	freeSpace func(string) (uint64, error)
	now       func() time.Time
}

// New returns a Store rooted at cfg.Dir on fs. n may be nil.
func New(cfg Config, fs afero.Fs, n Notifier) *Store {
	minFree := cfg.MinFree
	if minFree == 0 {
		minFree = DefaultMinFree
	}
	freeSpace := cfg.FreeSpace
	if freeSpace == nil {
		freeSpace = DiskFree
	}
	return &Store{
		fs:        fs,
		dir:       cfg.Dir,
		minFree:   minFree,
		notifier:  n,
		freeSpace: freeSpace,
		now:       time.Now,
	}
}

// Dir returns the media directory.
func (s *Store) Dir() string {
	return s.dir
}

// Check verifies there is room for a new recording or snapshot.
func (s *Store) Check() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	free, err := s.freeSpace(s.dir)
	if err != nil {
		return err
	}
	if free < s.minFree {
		logger.WithComponent("storage").Warn().
			Str("dir", s.dir).
			Uint64("free", free).
			Uint64("required", s.minFree).
			Msg("Not enough free space")
		if s.notifier != nil {
			s.notifier.InsufficientStorage(s.dir, free, s.minFree)
		}
		return fmt.Errorf("%w: %d bytes free in %s, %d required", ErrInsufficientStorage, free, s.dir, s.minFree)
	}
	return nil
}

func (s *Store) create(name string) (io.WriteCloser, string, error) {
	if err := s.Check(); err != nil {
		return nil, "", err
	}
	path := filepath.Join(s.dir, name)
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	logger.WithComponent("storage").Info().Str("path", path).Msg("Created media file")
	return f, path, nil
}

func (s *Store) stamp() string {
	return s.now().Format("20060102_150405.000")
}

// CreateRecording creates the MP4 file for one stream of a recording.
func (s *Store) CreateRecording(id string, stream int) (io.WriteCloser, string, error) {
	return s.create(fmt.Sprintf("VID_%s_%s_s%d.mp4", s.stamp(), shortID(id), stream))
}

// CreateSnapshot creates a JPEG file.
func (s *Store) CreateSnapshot(id string) (io.WriteCloser, string, error) {
	return s.create(fmt.Sprintf("IMG_%s_%s.jpg", s.stamp(), shortID(id)))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Entry is one file in the media directory.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// List returns the media files in reverse name order, which puts the
// newest of each kind first.
func (s *Store) List() ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	var entries []Entry
	for _, fi := range infos {
		if fi.IsDir() || !isMedia(fi.Name()) {
			continue
		}
		entries = append(entries, Entry{Name: fi.Name(), Size: fi.Size(), Modified: fi.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name > entries[j].Name })
	return entries, nil
}

// Open opens a media file by name for reading.
func (s *Store) Open(name string) (afero.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return s.fs.Open(filepath.Join(s.dir, name))
}

// Remove deletes a media file by name.
func (s *Store) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.fs.Remove(filepath.Join(s.dir, name))
}

func isMedia(name string) bool {
	return strings.HasSuffix(name, ".mp4") || strings.HasSuffix(name, ".jpg")
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || !isMedia(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
