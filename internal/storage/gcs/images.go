// Package gcs provides an ImageStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "images/".
	Prefix string
}

// ImageStore writes record images to a configured GCS bucket as
// {prefix}{id}/{name}.jpg.
type ImageStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed image store.
func New(client *storage.Client, cfg Config) (*ImageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ImageStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

func (s *ImageStore) dir(id string) (string, error) {
	if id == "" || strings.Contains(id, "/") || id == "." || id == ".." {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return s.prefix + id + "/", nil
}

func (s *ImageStore) object(dir, name string) (string, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid image name %q", name)
	}
	return dir + name + ".jpg", nil
}

// Save uploads every image under the record's prefix.
func (s *ImageStore) Save(ctx context.Context, id string, images []crawler.Image) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	for _, img := range images {
		name, err := s.object(dir, img.Name)
		if err != nil {
			return err
		}
		if err := s.put(ctx, name, img); err != nil {
			return err
		}
	}
	return nil
}

func (s *ImageStore) put(ctx context.Context, name string, img crawler.Image) error {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "image/jpeg"
	if img.ContentType != "" {
		writer.ContentType = img.ContentType
	}
	if _, err := writer.Write(img.Data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	return nil
}

// Read downloads the display image plus count-1 samples.
func (s *ImageStore) Read(ctx context.Context, id string, count int) ([]crawler.Image, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	names := crawler.ImageNames(id, count)
	out := make([]crawler.Image, 0, len(names))
	for _, n := range names {
		name, err := s.object(dir, n)
		if err != nil {
			return nil, err
		}
		reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil, fmt.Errorf("read image %s: %w", name, crawler.ErrNotFound)
			}
			return nil, fmt.Errorf("open object %s: %w", name, err)
		}
		data, err := io.ReadAll(reader)
		closeErr := reader.Close()
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close reader for %s: %w", name, closeErr)
		}
		out = append(out, crawler.Image{Name: n, ContentType: reader.Attrs.ContentType, Data: data})
	}
	return out, nil
}

// Count lists the objects under the record's prefix.
func (s *ImageStore) Count(ctx context.Context, id string) (int, error) {
	names, err := s.list(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// RemoveDir deletes every object under the record's prefix.
func (s *ImageStore) RemoveDir(ctx context.Context, id string) error {
	names, err := s.list(ctx, id)
	if err != nil {
		return err
	}
	for _, name := range names {
		err := s.client.Bucket(s.bucket).Object(name).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete object %s: %w", name, err)
		}
	}
	return nil
}

func (s *ImageStore) list(ctx context.Context, id string) ([]string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dir})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", dir, err)
		}
		if path.Ext(attrs.Name) == ".jpg" {
			names = append(names, attrs.Name)
		}
	}
	return names, nil
}
