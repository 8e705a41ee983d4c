package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// ImageStore keeps images grouped by record ID in memory.
type ImageStore struct {
	mu   sync.RWMutex
	dirs map[string]map[string]crawler.Image
}

// NewImageStore creates an empty ImageStore.
func NewImageStore() *ImageStore {
	return &ImageStore{dirs: make(map[string]map[string]crawler.Image)}
}

// Save adds images under id, replacing same-named entries.
func (s *ImageStore) Save(_ context.Context, id string, images []crawler.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.dirs[id]
	if !ok {
		dir = make(map[string]crawler.Image)
		s.dirs[id] = dir
	}
	for _, img := range images {
		img.Data = append([]byte(nil), img.Data...)
		dir[img.Name] = img
	}
	return nil
}

// Read returns the display image plus count-1 samples using the standard
// naming scheme.
func (s *ImageStore) Read(_ context.Context, id string, count int) ([]crawler.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := s.dirs[id]
	out := make([]crawler.Image, 0, max(count, 0))
	for _, name := range crawler.ImageNames(id, count) {
		img, ok := dir[name]
		if !ok {
			return nil, fmt.Errorf("read image %s/%s: %w", id, name, crawler.ErrNotFound)
		}
		img.Data = append([]byte(nil), img.Data...)
		out = append(out, img)
	}
	return out, nil
}

// Count returns how many images are stored under id.
func (s *ImageStore) Count(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirs[id]), nil
}

// RemoveDir drops every image under id. Missing directories are not an error.
func (s *ImageStore) RemoveDir(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirs, id)
	return nil
}

// Exists reports whether any image is stored under id.
func (s *ImageStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dirs[id]
	return ok
}
