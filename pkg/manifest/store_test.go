package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/models"
)

func workflowYAML(name, taskType string) string {
	return `apiVersion: agentcore.dev/v1
kind: Workflow
metadata:
  name: ` + name + `
spec:
  steps:
    - id: only
      task:
        type: ` + taskType + `
`
}

func writeManifest(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(typ EventType, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ && e.Name == name {
			return true
		}
	}
	return false
}

type fakeRegistrar struct {
	mu         sync.Mutex
	workflows  map[string]models.Workflow
	failFor    string
	unregister []string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{workflows: make(map[string]models.Workflow)}
}

func (r *fakeRegistrar) RegisterWorkflow(w models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == r.failFor {
		return errors.New("registry full")
	}
	r.workflows[w.ID] = w
	return nil
}

func (r *fakeRegistrar) UnregisterWorkflow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregister = append(r.unregister, id)
	_, ok := r.workflows[id]
	delete(r.workflows, id)
	return ok
}

func (r *fakeRegistrar) get(id string) (models.Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	return w, ok
}

func TestStoreLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.yaml", workflowYAML("beta", "echo"))
	writeManifest(t, dir, "a.yml", workflowYAML("alpha", "echo"))
	writeManifest(t, dir, "broken.yaml", workflowYAML("Broken", "echo"))
	writeManifest(t, dir, "notes.txt", "not a manifest")

	store := NewStore([]string{dir, filepath.Join(dir, "missing")}, logging.NewNop())
	defer store.Close()

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Metadata.Name)
	assert.Equal(t, "beta", list[1].Metadata.Name)

	_, ok := store.Get("alpha")
	assert.True(t, ok)
	assert.Len(t, store.Workflows(), 2)
}

func TestStoreRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", workflowYAML("same", "echo"))
	second := writeManifest(t, dir, "b.yaml", workflowYAML("same", "other"))

	store := NewStore([]string{dir}, logging.NewNop())
	m, ok := store.Get("same")
	require.True(t, ok)
	assert.Equal(t, "echo", m.Spec.Steps[0].Task.Type)

	err := store.LoadFile(second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already defined")
}

func TestStoreRenameWithinFile(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "w.yaml", workflowYAML("before", "echo"))
	store := NewStore([]string{dir}, logging.NewNop())

	rec := &recorder{}
	store.OnChange(rec.record)
	writeManifest(t, dir, "w.yaml", workflowYAML("after", "echo"))
	require.NoError(t, store.LoadFile(path))

	_, ok := store.Get("before")
	assert.False(t, ok)
	_, ok = store.Get("after")
	assert.True(t, ok)
	assert.True(t, rec.has(EventDeleted, "before"))
	assert.True(t, rec.has(EventCreated, "after"))
}

func TestValidateDirectory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", workflowYAML("alpha", "echo"))
	writeManifest(t, dir, "b.yaml", workflowYAML("alpha", "echo"))
	writeManifest(t, dir, "c.yaml", "kind: Workflow\n")

	valid, err := ValidateDirectory(dir)
	require.Error(t, err)
	assert.Len(t, valid, 1)
	assert.Contains(t, err.Error(), "already defined")
	assert.Contains(t, err.Error(), "apiVersion is required")

	_, err = ValidateDirectory(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSyncRegistersAndFollowsChanges(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", workflowYAML("alpha", "echo"))
	writeManifest(t, dir, "b.yaml", workflowYAML("beta", "echo"))

	store := NewStore([]string{dir}, logging.NewNop())
	reg := newFakeRegistrar()
	reg.failFor = "beta"

	err := store.Sync(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register beta")
	_, ok := reg.get("alpha")
	assert.True(t, ok)

	reg.failFor = ""
	path := writeManifest(t, dir, "c.yaml", workflowYAML("gamma", "file.read"))
	require.NoError(t, store.LoadFile(path))
	w, ok := reg.get("gamma")
	require.True(t, ok)
	assert.Equal(t, "file.read", w.Steps[0].Task.Type)

	assert.True(t, store.Remove("alpha"))
	assert.False(t, store.Remove("alpha"))
	_, ok = reg.get("alpha")
	assert.False(t, ok)
	assert.Equal(t, []string{"alpha"}, reg.unregister)
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	store := NewStore([]string{dir}, logging.NewNop())
	defer store.Close()

	rec := &recorder{}
	store.OnChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.StartWatching(ctx))

	path := writeManifest(t, dir, "hot.yaml", workflowYAML("hot", "echo"))
	assert.Eventually(t, func() bool {
		_, ok := store.Get("hot")
		return ok
	}, 3*time.Second, 10*time.Millisecond, "created")

	writeManifest(t, dir, "hot.yaml", workflowYAML("hot", "file.read"))
	assert.Eventually(t, func() bool {
		m, ok := store.Get("hot")
		return ok && m.Spec.Steps[0].Task.Type == "file.read"
	}, 3*time.Second, 10*time.Millisecond, "updated")
	assert.True(t, rec.has(EventUpdated, "hot"))

	// an invalid edit keeps the previous version
	writeManifest(t, dir, "hot.yaml", strings.Replace(workflowYAML("hot", "file.read"), "kind: Workflow", "kind: Agent", 1))
	time.Sleep(200 * time.Millisecond)
	m, ok := store.Get("hot")
	require.True(t, ok)
	assert.Equal(t, "file.read", m.Spec.Steps[0].Task.Type)

	writeManifest(t, dir, "ignored.txt", workflowYAML("ignored", "echo"))

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		_, ok := store.Get("hot")
		return !ok
	}, 3*time.Second, 10*time.Millisecond, "deleted")
	assert.True(t, rec.has(EventDeleted, "hot"))

	_, ok = store.Get("ignored")
	assert.False(t, ok)
}

func TestStoreCloseWithoutWatching(t *testing.T) {
	store := NewStore(nil, logging.NewNop())
	assert.NoError(t, store.Close())
}
