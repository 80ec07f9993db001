package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/models"
)

// Event represents a change to a manifest
type Event struct {
	Type     EventType
	Name     string
	Manifest *WorkflowManifest // nil for deleted
	Path     string
}

// EventType defines the type of manifest event
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Store keeps the workflow manifests found in a set of directories and,
// once watching, reloads them as files change
type Store struct {
	paths  []string
	logger logging.Logger

	mu        sync.RWMutex
	manifests map[string]*WorkflowManifest
	filePaths map[string]string // workflow name -> file path
	callbacks []func(Event)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStore loads every manifest under paths. Missing directories are
// skipped; invalid files are logged and left out.
func NewStore(paths []string, logger logging.Logger) *Store {
	s := &Store{
		paths:     paths,
		logger:    logging.OrGlobal(logger).With(logging.Component("manifest")),
		manifests: make(map[string]*WorkflowManifest),
		filePaths: make(map[string]string),
	}
	for _, dir := range paths {
		if err := s.loadDirectory(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read manifest directory", logging.String("dir", dir), logging.Err(err))
		}
	}
	return s
}

// Parse decodes and validates one manifest
func Parse(data []byte) (*WorkflowManifest, error) {
	var m WorkflowManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads, decodes and validates one manifest file
func ParseFile(path string) (*WorkflowManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ValidateDirectory parses every manifest in dir and returns the valid
// ones by name together with every error found, including duplicate names
func ValidateDirectory(dir string) (map[string]*WorkflowManifest, error) {
	files, err := manifestFiles(dir)
	if err != nil {
		return nil, err
	}
	valid := make(map[string]*WorkflowManifest)
	seen := make(map[string]string)
	var errs []error
	for _, path := range files {
		m, err := ParseFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[m.Metadata.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: workflow %s already defined in %s", path, m.Metadata.Name, prev))
			continue
		}
		seen[m.Metadata.Name] = path
		valid[m.Metadata.Name] = m
	}
	return valid, errors.Join(errs...)
}

func manifestFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isManifestFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (s *Store) loadDirectory(dir string) error {
	files, err := manifestFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := s.LoadFile(path); err != nil {
			s.logger.Warn("failed to load manifest", logging.String("path", path), logging.Err(err))
		}
	}
	return nil
}

// LoadFile loads one manifest, replacing any earlier version with the
// same name. An invalid file leaves the store unchanged.
func (s *Store) LoadFile(path string) error {
	m, err := ParseFile(path)
	if err != nil {
		return err
	}
	name := m.Metadata.Name

	s.mu.Lock()
	if owner, ok := s.filePaths[name]; ok && owner != path {
		s.mu.Unlock()
		return fmt.Errorf("%s: workflow %s already defined in %s", path, name, owner)
	}
	// a file renamed its workflow: drop the old name
	var renamed []Event
	for other, p := range s.filePaths {
		if p == path && other != name {
			renamed = append(renamed, Event{Type: EventDeleted, Name: other, Manifest: s.manifests[other], Path: p})
			delete(s.manifests, other)
			delete(s.filePaths, other)
		}
	}
	_, exists := s.manifests[name]
	s.manifests[name] = m
	s.filePaths[name] = path
	callbacks := s.callbacksLocked()
	s.mu.Unlock()

	typ := EventCreated
	if exists {
		typ = EventUpdated
	}
	for _, e := range renamed {
		notify(callbacks, e)
	}
	notify(callbacks, Event{Type: typ, Name: name, Manifest: m, Path: path})
	s.logger.Info("workflow manifest loaded", logging.String("workflow_id", name), logging.String("event", string(typ)))
	return nil
}

// Get returns a manifest by workflow name
func (s *Store) Get(name string) (*WorkflowManifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[name]
	return m, ok
}

// List returns all loaded manifests, sorted by name
func (s *Store) List() []*WorkflowManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkflowManifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Name < out[j].Metadata.Name })
	return out
}

// Workflows converts every loaded manifest
func (s *Store) Workflows() []models.Workflow {
	var out []models.Workflow
	for _, m := range s.List() {
		w, err := m.ToWorkflow()
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Remove drops a manifest by name
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	m, ok := s.manifests[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	path := s.filePaths[name]
	delete(s.manifests, name)
	delete(s.filePaths, name)
	callbacks := s.callbacksLocked()
	s.mu.Unlock()

	notify(callbacks, Event{Type: EventDeleted, Name: name, Manifest: m, Path: path})
	return true
}

func (s *Store) removePath(path string) {
	s.mu.RLock()
	var name string
	for n, p := range s.filePaths {
		if p == path {
			name = n
			break
		}
	}
	s.mu.RUnlock()
	if name != "" && s.Remove(name) {
		s.logger.Info("workflow manifest removed", logging.String("workflow_id", name))
	}
}

// OnChange registers a callback for manifest changes. Callbacks run
// synchronously, in change order, on the goroutine that saw the change.
func (s *Store) OnChange(callback func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

func (s *Store) callbacksLocked() []func(Event) {
	return slices.Clone(s.callbacks)
}

func notify(callbacks []func(Event), e Event) {
	for _, cb := range callbacks {
		cb(e)
	}
}

// StartWatching enables hot reload via fsnotify
func (s *Store) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = watcher

	for _, path := range s.paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := watcher.Add(path); err != nil {
			s.logger.Warn("failed to watch directory", logging.String("dir", path), logging.Err(err))
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.watchLoop(ctx)
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", logging.Err(err))
		}
	}
}

func (s *Store) handleFSEvent(event fsnotify.Event) {
	if !isManifestFile(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		if err := s.LoadFile(event.Name); err != nil {
			s.logger.Warn("failed to reload manifest", logging.String("path", event.Name), logging.Err(err))
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		s.removePath(event.Name)
	}
}

// Close stops the watcher
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

// Registrar receives workflow definitions; the coordinator implements it
type Registrar interface {
	RegisterWorkflow(w models.Workflow) error
	UnregisterWorkflow(workflowID string) bool
}

// Sync registers every loaded workflow with r and keeps r current as
// manifests change. Every workflow is tried; the registration errors are
// returned joined.
func (s *Store) Sync(r Registrar) error {
	s.OnChange(func(e Event) {
		switch e.Type {
		case EventDeleted:
			r.UnregisterWorkflow(e.Name)
		default:
			w, err := e.Manifest.ToWorkflow()
			if err == nil {
				err = r.RegisterWorkflow(w)
			}
			if err != nil {
				s.logger.Error("workflow not registered", logging.String("workflow_id", e.Name), logging.Err(err))
			}
		}
	})

	var errs []error
	for _, w := range s.Workflows() {
		if err := r.RegisterWorkflow(w); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", w.ID, err))
		}
	}
	return errors.Join(errs...)
}
