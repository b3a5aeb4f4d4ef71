// Package scene loads scene files and publishes immutable snapshots to the
// renderer, reloading them when the file changes.
package scene

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/vtcast/internal/models"
)

// ErrNoScene is returned by Store.Current before a scene has been loaded.
var ErrNoScene = errors.New("no scene loaded")

// Parse decodes and validates a YAML scene. Unknown fields are rejected.
func Parse(data []byte) (*models.Scene, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s models.Scene
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scene: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating scene %q: %w", s.ID, err)
	}
	return &s, nil
}

// Load reads and parses the scene file at path.
func Load(path string) (*models.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene: %w", err)
	}
	return Parse(data)
}

// Default returns an empty scene, rendered as a black canvas.
func Default() *models.Scene {
	return &models.Scene{ID: "default", Name: "Default"}
}

// Store holds the current scene. Readers get the snapshot that was current
// when they called; a swap never mutates a snapshot in use.
type Store struct {
	current atomic.Pointer[models.Scene]
	version atomic.Uint64
}

// NewStore creates a Store holding initial, which may be nil.
func NewStore(initial *models.Scene) *Store {
	s := &Store{}
	if initial != nil {
		s.Set(initial)
	}
	return s
}

// Current returns the current snapshot.
func (s *Store) Current() (*models.Scene, error) {
	sc := s.current.Load()
	if sc == nil {
		return nil, ErrNoScene
	}
	return sc, nil
}

// Set replaces the current snapshot.
func (s *Store) Set(sc *models.Scene) {
	s.current.Store(sc)
	s.version.Add(1)
}

// Version increments on every Set.
func (s *Store) Version() uint64 {
	return s.version.Load()
}
