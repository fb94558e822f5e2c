package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/sorenmh/infrastructure-shared/appd/git"
	"github.com/sorenmh/infrastructure-shared/appd/models"
	"github.com/sorenmh/infrastructure-shared/appd/shell"
	"github.com/sorenmh/infrastructure-shared/appd/units"
)

// fakeCloner creates the checkout directory with a single file, or fails
// after leaving a partial directory behind.
type fakeCloner struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
	calls []string
}

func (f *fakeCloner) Clone(_ context.Context, repo, branch, dest string) (git.CloneResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, repo+"@"+branch)
	cloneErr, block := f.err, f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return git.CloneResult{}, err
	}
	if cloneErr != nil {
		return git.CloneResult{}, models.ExternalTool("git clone", cloneErr)
	}
	if err := os.WriteFile(filepath.Join(dest, "README"), []byte("hi"), 0o644); err != nil {
		return git.CloneResult{}, err
	}
	return git.CloneResult{Path: dest, Branch: branch, Commit: "0123abcd"}, nil
}

// occupiedCloner finds dest filled in by someone else between the
// existence check and the clone, like git does for a non-empty target.
type occupiedCloner struct{}

func (occupiedCloner) Clone(_ context.Context, _, _, dest string) (git.CloneResult, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return git.CloneResult{}, err
	}
	if err := os.WriteFile(filepath.Join(dest, "README"), []byte("theirs"), 0o644); err != nil {
		return git.CloneResult{}, err
	}
	return git.CloneResult{}, models.Conflict("checkout directory already exists: " + dest)
}

type fakeShell struct {
	mu     sync.Mutex
	result shell.Result
	err    error
	runs   []string
}

func (f *fakeShell) Run(_ context.Context, dir, command string) (shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, dir+"$ "+command)
	return f.result, f.err
}

// fakeServices keeps unit files in memory and records every call.
type fakeServices struct {
	mu       sync.Mutex
	unitDir  string
	units    map[string]units.Descriptor
	calls    []string
	failures map[string]error
	status   string
}

func newFakeServices() *fakeServices {
	return &fakeServices{
		unitDir:  "/units",
		units:    map[string]units.Descriptor{},
		failures: map[string]error{},
	}
}

func (f *fakeServices) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failures[call]
}

func (f *fakeServices) UnitPath(systemID string) string {
	return filepath.Join(f.unitDir, systemID+".service")
}

func (f *fakeServices) WriteUnit(_ context.Context, d units.Descriptor) (string, error) {
	if err := f.record("write " + d.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.units[d.Name] = d
	f.mu.Unlock()
	return f.UnitPath(d.Name), nil
}

func (f *fakeServices) RemoveUnit(systemID string) error {
	if err := f.record("remove " + systemID); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.units, systemID)
	f.mu.Unlock()
	return nil
}

func (f *fakeServices) DaemonReload(context.Context) error { return f.record("daemon-reload") }
func (f *fakeServices) Enable(_ context.Context, id string) error {
	return f.record("enable " + id)
}
func (f *fakeServices) Disable(_ context.Context, id string) error {
	return f.record("disable " + id)
}
func (f *fakeServices) Start(_ context.Context, id string) error { return f.record("start " + id) }
func (f *fakeServices) Stop(_ context.Context, id string) error  { return f.record("stop " + id) }
func (f *fakeServices) Restart(_ context.Context, id string) error {
	return f.record("restart " + id)
}

func (f *fakeServices) Status(_ context.Context, id string) (string, error) {
	if err := f.record("status " + id); err != nil {
		return "", err
	}
	return f.status, nil
}

func (f *fakeServices) StatusAll(context.Context) (string, error) {
	if err := f.record("status-all"); err != nil {
		return "", err
	}
	return f.status, nil
}

func (f *fakeServices) unit(name string) (units.Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.units[name]
	return d, ok
}

func (f *fakeServices) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeHistory keeps operations in memory.
type fakeHistory struct {
	mu     sync.Mutex
	ops    map[string]*models.Operation
	order  []string
	failOn string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{ops: map[string]*models.Operation{}}
}

func (f *fakeHistory) CreateOperation(op *models.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "create" {
		return errors.New("disk full")
	}
	copied := *op
	copied.Status = models.OperationPending
	f.ops[op.ID] = &copied
	f.order = append(f.order, op.ID)
	return nil
}

func (f *fakeHistory) AddEvent(id, step, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return models.NotFound(id)
	}
	op.Events = append(op.Events, models.Event{Step: step, Details: details})
	return nil
}

func (f *fakeHistory) FinishOperation(id, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return models.NotFound(id)
	}
	op.Status = status
	op.Message = message
	return nil
}

func (f *fakeHistory) last() *models.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return nil
	}
	copied := *f.ops[f.order[len(f.order)-1]]
	return &copied
}

func (f *fakeHistory) steps(op *models.Operation) []string {
	var steps []string
	for _, ev := range op.Events {
		steps = append(steps, ev.Step)
	}
	return steps
}
