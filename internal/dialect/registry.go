// internal/dialect/registry.go
package dialect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry manages the dialects a session may be opened with
type Registry struct {
	dialects map[string]*Dialect
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates an empty dialect registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		dialects: make(map[string]*Dialect),
		logger:   logger,
	}
}

// Register compiles and registers a dialect, replacing any dialect with the same name
func (r *Registry) Register(d *Dialect) error {
	if err := d.Compile(); err != nil {
		return fmt.Errorf("failed to register dialect: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.dialects[d.Name] = d
	r.logger.Info("Dialect registered",
		zap.String("dialect", d.Name),
		zap.Int("rx_buffer_size", d.RxBufferSize),
	)
	return nil
}

// Get returns the dialect registered under name
func (r *Registry) Get(name string) (*Dialect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dialects[name]
	if !ok {
		return nil, fmt.Errorf("unknown dialect: %s", name)
	}
	return d, nil
}

// List returns all registered dialects sorted by name
func (r *Registry) List() []*Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Dialect, 0, len(r.dialects))
	for _, d := range r.dialects {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// LoadDir registers every *.yaml and *.yml dialect file found in dir
func (r *Registry) LoadDir(dir string) (int, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("failed to list dialect files: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	loaded := 0
	for _, path := range files {
		d, err := r.loadFile(path)
		if err != nil {
			return loaded, err
		}
		if err := r.Register(d); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func (r *Registry) loadFile(path string) (*Dialect, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dialect file: %w", err)
	}
	defer f.Close()

	d, err := Load(f, r.Get)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return d, nil
}

// RegisterDefaults registers the built-in dialects
func RegisterDefaults(r *Registry) error {
	for _, d := range []Dialect{Grbl11, GrblHAL} {
		if err := r.Register(d.Clone()); err != nil {
			return err
		}
	}
	return nil
}
