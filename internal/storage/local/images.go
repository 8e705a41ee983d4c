// Package local implements the filesystem ImageStore: images live under
// {base}/{id}/{name}.jpg.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

const imageExt = ".jpg"

// Config captures the parameters for the local filesystem image store.
type Config struct {
	// BaseDir is the root directory where record directories are created.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ImageStore writes record images to the local filesystem.
type ImageStore struct {
	baseDir string
}

// New creates a filesystem-backed image store, creating BaseDir when missing.
func New(cfg Config) (*ImageStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ImageStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// dir resolves the directory for id and rejects anything escaping baseDir.
func (s *ImageStore) dir(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("record id is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, id))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected for %q", id)
	}
	return full, nil
}

func (s *ImageStore) file(dir, name string) (string, error) {
	full := filepath.Clean(filepath.Join(dir, name+imageExt))
	if filepath.Dir(full) != dir {
		return "", fmt.Errorf("path traversal detected for %q", name)
	}
	return full, nil
}

// Save writes every image into the record's directory.
func (s *ImageStore) Save(_ context.Context, id string, images []crawler.Image) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	for _, img := range images {
		path, err := s.file(dir, img.Name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, img.Data, 0o600); err != nil {
			return fmt.Errorf("failed to write image %s: %w", img.Name, err)
		}
	}
	return nil
}

// Read loads the display image plus count-1 samples.
func (s *ImageStore) Read(_ context.Context, id string, count int) ([]crawler.Image, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	names := crawler.ImageNames(id, count)
	out := make([]crawler.Image, 0, len(names))
	for _, name := range names {
		path, err := s.file(dir, name)
		if err != nil {
			return nil, err
		}
		// #nosec G304 -- path is confined to baseDir above.
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read image %s/%s: %w", id, name, crawler.ErrNotFound)
			}
			return nil, fmt.Errorf("read image %s/%s: %w", id, name, err)
		}
		out = append(out, crawler.Image{Name: name, ContentType: "image/jpeg", Data: data})
	}
	return out, nil
}

// Count returns the number of image files stored for id; a missing directory counts as zero.
func (s *ImageStore) Count(_ context.Context, id string) (int, error) {
	dir, err := s.dir(id)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list image directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), imageExt) {
			n++
		}
	}
	return n, nil
}

// RemoveDir deletes the record's directory. Missing directories are not an error.
func (s *ImageStore) RemoveDir(_ context.Context, id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove image directory: %w", err)
	}
	return nil
}
