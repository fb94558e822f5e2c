package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/appd/metrics"
	"github.com/sorenmh/infrastructure-shared/appd/models"
	"github.com/sorenmh/infrastructure-shared/appd/registry"
	"github.com/sorenmh/infrastructure-shared/appd/shell"
	"github.com/sorenmh/infrastructure-shared/appd/units"
)

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	cloner   *fakeCloner
	shell    *fakeShell
	services *fakeServices
	history  *fakeHistory
	metrics  *metrics.LifecycleMetrics
	appsDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	f := &fixture{
		registry: registry.Load(filepath.Join(root, "apps.json"), zerolog.Nop()),
		cloner:   &fakeCloner{},
		shell:    &fakeShell{},
		services: newFakeServices(),
		history:  newFakeHistory(),
		metrics:  metrics.NewLifecycleMetrics(prometheus.NewRegistry()),
		appsDir:  filepath.Join(root, "apps"),
	}
	f.manager = NewManager(
		Options{
			AppsDir:     f.appsDir,
			ToolTimeout: time.Minute,
			Units:       units.Options{Shell: "/bin/bash", RestartSec: 5, UserScope: true},
		},
		f.registry, f.cloner, f.shell, f.services, zerolog.Nop(),
		WithHistory(f.history),
		WithMetrics(f.metrics),
	)
	return f
}

func widget() models.AppRecord {
	return models.AppRecord{
		Repo:           "https://example.com/acme/widget.git",
		Branch:         "main",
		InstallCommand: "./build.sh",
		RunCommand:     "./widget",
	}
}

func (f *fixture) install(t *testing.T, record models.AppRecord) {
	t.Helper()
	_, err := f.manager.Install(context.Background(), record)
	require.NoError(t, err)
}

func TestInstallScenario(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.Install(context.Background(), widget())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	installed := res.Data.(InstallResult)
	assert.Equal(t, "acme/widget", installed.App.ID)
	assert.Equal(t, "acme-widget", installed.App.SystemID)
	assert.Equal(t, "widget", installed.App.FolderName)
	assert.Equal(t, "0123abcd", installed.Commit)
	assert.Equal(t, "/units/acme-widget.service", installed.UnitPath)

	checkout := filepath.Join(f.appsDir, "widget")
	assert.DirExists(t, checkout)
	assert.Equal(t, []string{checkout + "$ ./build.sh"}, f.shell.runs)

	apps := f.registry.List()
	require.Len(t, apps, 1)
	assert.Equal(t, widget().Repo, apps[0].Repo)

	unit, ok := f.services.unit("acme-widget")
	require.True(t, ok)
	assert.Equal(t, `/bin/bash -c "./widget"`, unit.ExecStart)
	assert.Equal(t, checkout, unit.WorkingDirectory)

	assert.Equal(t, []string{"write acme-widget", "daemon-reload", "enable acme-widget"}, f.services.callLog())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InstalledApps))

	op := f.history.last()
	require.NotNil(t, op)
	assert.Equal(t, "Install", op.Command)
	assert.Equal(t, "acme/widget", op.AppID)
	assert.Equal(t, models.OperationSuccess, op.Status)
	assert.Equal(t, []string{"clone", "install_command", "unit", "enable", "registry"}, f.history.steps(op))
}

func TestInstallDisabledSkipsEnable(t *testing.T) {
	f := newFixture(t)
	record := widget()
	record.Enabled = models.BoolPtr(false)
	record.InstallCommand = ""

	f.install(t, record)
	assert.Equal(t, []string{"write acme-widget", "daemon-reload"}, f.services.callLog())
	assert.Empty(t, f.shell.runs)
}

func TestInstallRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name   string
		record models.AppRecord
		kind   models.ErrorKind
	}{
		{"unparseable repo", models.AppRecord{Repo: "widget", RunCommand: "./widget"}, models.KindInvalidRepo},
		{"missing run command", models.AppRecord{Repo: "https://example.com/acme/widget"}, models.KindValidation},
		{"missing repo", models.AppRecord{RunCommand: "./widget"}, models.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.manager.Install(context.Background(), tt.record)
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.KindOf(err))

			assert.Empty(t, f.cloner.calls)
			assert.Empty(t, f.registry.List())
			assert.NoDirExists(t, f.appsDir)
		})
	}
}

func TestInstallCloneFailure(t *testing.T) {
	f := newFixture(t)
	f.cloner.err = errors.New("exit status 128")

	_, err := f.manager.Install(context.Background(), widget())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExternalTool)

	assert.Empty(t, f.registry.List())
	assert.NoDirExists(t, filepath.Join(f.appsDir, "widget"))
	assert.Empty(t, f.services.callLog())
	assert.Empty(t, f.shell.runs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ToolFailures.WithLabelValues("git")))

	op := f.history.last()
	require.NotNil(t, op)
	assert.Equal(t, models.OperationFailed, op.Status)
}

func TestInstallCommandFailureOnlyWarns(t *testing.T) {
	tests := []struct {
		name   string
		result shell.Result
		err    error
	}{
		{"nonzero exit", shell.Result{ExitCode: 2, Output: []byte("make: *** no rule")}, nil},
		{"could not run", shell.Result{}, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.shell.result = tt.result
			f.shell.err = tt.err

			res, err := f.manager.Install(context.Background(), widget())
			require.NoError(t, err)
			require.Len(t, res.Warnings, 1)
			assert.Contains(t, res.Warnings[0], "install command")

			assert.Len(t, f.registry.List(), 1)
			_, ok := f.services.unit("acme-widget")
			assert.True(t, ok)
		})
	}
}

func TestInstallUnitWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.services.failures["write acme-widget"] = models.IOError("failed to write unit file", os.ErrPermission)

	_, err := f.manager.Install(context.Background(), widget())
	assert.ErrorIs(t, err, models.ErrIO)

	assert.Empty(t, f.registry.List())
	assert.NoDirExists(t, filepath.Join(f.appsDir, "widget"))
}

func TestInstallReloadAndEnableFailuresWarn(t *testing.T) {
	f := newFixture(t)
	f.services.failures["daemon-reload"] = models.ExternalTool("systemctl daemon-reload", errors.New("exit status 1"))
	f.services.failures["enable acme-widget"] = models.ExternalTool("systemctl enable", errors.New("exit status 1"))

	res, err := f.manager.Install(context.Background(), widget())
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
	assert.Len(t, f.registry.List(), 1)
}

func TestInstallPersistFailureRemovesUnit(t *testing.T) {
	f := newFixture(t)

	// A directory where the registry file should be makes persisting fail.
	blocked := filepath.Join(t.TempDir(), "apps.json")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0o755))
	f.manager.registry = registry.Load(blocked, zerolog.Nop())

	_, err := f.manager.Install(context.Background(), widget())
	assert.ErrorIs(t, err, models.ErrIO)

	_, ok := f.services.unit("acme-widget")
	assert.False(t, ok)
	assert.Equal(t, []string{
		"write acme-widget",
		"daemon-reload",
		"enable acme-widget",
		"disable acme-widget",
		"remove acme-widget",
	}, f.services.callLog())
	assert.NoDirExists(t, filepath.Join(f.appsDir, "widget"))
}

func TestInstallPersistFailureDisabledSkipsDisable(t *testing.T) {
	f := newFixture(t)
	blocked := filepath.Join(t.TempDir(), "apps.json")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0o755))
	f.manager.registry = registry.Load(blocked, zerolog.Nop())

	record := widget()
	record.Enabled = models.BoolPtr(false)
	_, err := f.manager.Install(context.Background(), record)
	assert.ErrorIs(t, err, models.ErrIO)
	assert.NotContains(t, f.services.callLog(), "disable acme-widget")
	assert.Contains(t, f.services.callLog(), "remove acme-widget")
}

func TestInstallConflicts(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())

	// Same id through another remote form.
	again := widget()
	again.Repo = "git@example.com:acme/widget.git"
	_, err := f.manager.Install(context.Background(), again)
	assert.ErrorIs(t, err, models.ErrConflict)

	// Different id, same checkout folder.
	other := widget()
	other.Repo = "https://example.com/other/widget.git"
	_, err = f.manager.Install(context.Background(), other)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Len(t, f.registry.List(), 1)
	assert.DirExists(t, filepath.Join(f.appsDir, "widget"))
}

func TestConcurrentInstallSameID(t *testing.T) {
	f := newFixture(t)
	f.cloner.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Install(context.Background(), widget())
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.cloner.mu.Lock()
		defer f.cloner.mu.Unlock()
		return len(f.cloner.calls) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := f.manager.Install(context.Background(), widget())
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = f.manager.Restart(context.Background(), "acme/widget")
	assert.ErrorIs(t, err, models.ErrConflict)

	close(f.cloner.block)
	require.NoError(t, <-done)
	assert.Len(t, f.registry.List(), 1)
}

func TestConcurrentInstallSharedCheckoutFolder(t *testing.T) {
	f := newFixture(t)
	f.cloner.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Install(context.Background(), widget())
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.cloner.mu.Lock()
		defer f.cloner.mu.Unlock()
		return len(f.cloner.calls) == 1
	}, time.Second, 5*time.Millisecond)

	other := widget()
	other.Repo = "https://example.com/other/widget.git"
	_, err := f.manager.Install(context.Background(), other)
	assert.ErrorIs(t, err, models.ErrConflict)

	close(f.cloner.block)
	require.NoError(t, <-done)

	assert.FileExists(t, filepath.Join(f.appsDir, "widget", "README"))
	apps := f.registry.List()
	require.Len(t, apps, 1)
	assert.Equal(t, "https://example.com/acme/widget.git", apps[0].Repo)
}

func TestInstallCloneConflictKeepsExistingCheckout(t *testing.T) {
	f := newFixture(t)
	f.manager.cloner = occupiedCloner{}

	_, err := f.manager.Install(context.Background(), widget())
	assert.ErrorIs(t, err, models.ErrConflict)

	data, err := os.ReadFile(filepath.Join(f.appsDir, "widget", "README"))
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(data))
	assert.Empty(t, f.registry.List())
	assert.Empty(t, f.services.callLog())
}

func TestConcurrentInstallUninstallDistinctIDs(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		record := widget()
		record.Repo = fmt.Sprintf("https://example.com/acme/keep-%d.git", i)
		f.install(t, record)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record := widget()
			record.Repo = fmt.Sprintf("https://example.com/acme/new-%d.git", i)
			_, err := f.manager.Install(context.Background(), record)
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.Uninstall(context.Background(), fmt.Sprintf("acme/keep-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(f.registry.Path())
	require.NoError(t, err)
	var persisted []models.AppRecord
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 8)

	seen := map[string]bool{}
	for _, r := range persisted {
		id, ok := r.ID()
		require.True(t, ok)
		assert.False(t, seen[id])
		seen[id] = true
	}
	for i := 0; i < 8; i++ {
		assert.True(t, seen[fmt.Sprintf("acme/new-%d", i)])
	}
}

func TestUninstall(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())
	f.services.calls = nil

	res, err := f.manager.Uninstall(context.Background(), "acme/widget")
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	assert.Empty(t, f.registry.List())
	assert.NoDirExists(t, filepath.Join(f.appsDir, "widget"))
	_, ok := f.services.unit("acme-widget")
	assert.False(t, ok)
	assert.Equal(t, []string{"stop acme-widget", "disable acme-widget", "remove acme-widget", "daemon-reload"}, f.services.callLog())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.InstalledApps))
}

func TestUninstallContinuesOnStepFailures(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())
	f.services.failures["stop acme-widget"] = errors.New("not loaded")
	f.services.failures["remove acme-widget"] = errors.New("read-only file system")

	res, err := f.manager.Uninstall(context.Background(), "acme/widget")
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
	assert.Empty(t, f.registry.List())
}

func TestUninstallRegistryFailureFails(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())

	// Swap the backing file for a directory so the final persist fails.
	path := f.registry.Path()
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))

	_, err := f.manager.Uninstall(context.Background(), "acme/widget")
	assert.ErrorIs(t, err, models.ErrIO)
	assert.Len(t, f.registry.List(), 1)
}

func TestUnknownID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := map[string]func() error{
		"uninstall": func() error { _, err := f.manager.Uninstall(ctx, "acme/missing"); return err },
		"edit":      func() error { _, err := f.manager.Edit(ctx, "acme/missing", widget()); return err },
		"enable":    func() error { _, err := f.manager.SetEnabled(ctx, "acme/missing", true); return err },
		"start":     func() error { _, err := f.manager.Start(ctx, "acme/missing"); return err },
		"stop":      func() error { _, err := f.manager.Stop(ctx, "acme/missing"); return err },
		"restart":   func() error { _, err := f.manager.Restart(ctx, "acme/missing"); return err },
		"get":       func() error { _, err := f.manager.Get("acme/missing"); return err },
		"status":    func() error { _, err := f.manager.Status(ctx, "acme/missing"); return err },
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), models.ErrNotFound)
		})
	}
	assert.Empty(t, f.services.callLog())
	assert.NoFileExists(t, f.registry.Path())
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	record := widget()
	record.Enabled = models.BoolPtr(false)
	f.install(t, record)
	f.services.calls = nil

	edited := widget()
	edited.Repo = "git@example.com:acme/widget.git"
	edited.RunCommand = "./widget --port 8080"

	res, err := f.manager.Edit(context.Background(), "acme/widget", edited)
	require.NoError(t, err)
	view := res.Data.(models.AppView)
	assert.Equal(t, "./widget --port 8080", view.RunCommand)

	stored, err := f.registry.Get("acme/widget")
	require.NoError(t, err)
	assert.Equal(t, "git@example.com:acme/widget.git", stored.Repo)
	require.NotNil(t, stored.Enabled)
	assert.False(t, *stored.Enabled, "absent enabled keeps stored value")

	// Edit does not touch the unit.
	assert.Empty(t, f.services.callLog())
	unit, _ := f.services.unit("acme-widget")
	assert.Equal(t, `/bin/bash -c "./widget"`, unit.ExecStart)
}

func TestEditRejectsChangedID(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())

	edited := widget()
	edited.Repo = "https://example.com/acme/gadget.git"
	_, err := f.manager.Edit(context.Background(), "acme/widget", edited)
	assert.ErrorIs(t, err, models.ErrValidation)

	stored, err := f.registry.Get("acme/widget")
	require.NoError(t, err)
	assert.Equal(t, widget().Repo, stored.Repo)
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())
	f.services.calls = nil

	res, err := f.manager.SetEnabled(context.Background(), "acme/widget", false)
	require.NoError(t, err)
	assert.False(t, res.Data.(models.AppView).IsEnabled())
	assert.Equal(t, []string{"disable acme-widget"}, f.services.callLog())

	stored, _ := f.registry.Get("acme/widget")
	assert.False(t, stored.IsEnabled())

	_, err = f.manager.SetEnabled(context.Background(), "acme/widget", true)
	require.NoError(t, err)
	stored, _ = f.registry.Get("acme/widget")
	assert.True(t, stored.IsEnabled())
}

func TestSetEnabledFailureKeepsRegistry(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())
	f.services.failures["disable acme-widget"] = models.ExternalTool("systemctl disable", errors.New("exit status 1"))

	_, err := f.manager.SetEnabled(context.Background(), "acme/widget", false)
	assert.ErrorIs(t, err, models.ErrExternalTool)

	stored, _ := f.registry.Get("acme/widget")
	assert.True(t, stored.IsEnabled())
}

func TestServiceActions(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())
	f.services.calls = nil
	ctx := context.Background()

	_, err := f.manager.Start(ctx, "acme/widget")
	require.NoError(t, err)
	_, err = f.manager.Stop(ctx, "acme/widget")
	require.NoError(t, err)
	_, err = f.manager.Restart(ctx, "acme/widget")
	require.NoError(t, err)

	assert.Equal(t, []string{"start acme-widget", "stop acme-widget", "restart acme-widget"}, f.services.callLog())

	f.services.failures["start acme-widget"] = models.ExternalTool("systemctl start", errors.New("exit status 5"))
	_, err = f.manager.Start(ctx, "acme/widget")
	assert.ErrorIs(t, err, models.ErrExternalTool)
	assert.Equal(t, models.OperationFailed, f.history.last().Status)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())

	list := f.manager.List().Data.([]models.AppView)
	require.Len(t, list, 1)
	assert.Equal(t, "acme-widget", list[0].SystemID)

	got, err := f.manager.Get("acme/widget")
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", got.Data.(models.AppView).ID)
}

func TestStatusAndServices(t *testing.T) {
	f := newFixture(t)
	f.install(t, widget())
	f.services.status = "● acme-widget.service - widget (managed by appd)\n" +
		"     Loaded: loaded (/units/acme-widget.service; enabled; preset: enabled)\n" +
		"     Active: active (running) since today\n" +
		"\n" +
		"● default.target - Main User Target\n" +
		"     Loaded: loaded (/usr/lib/systemd/user/default.target; static)\n" +
		"     Active: active since today\n"

	res, err := f.manager.Status(context.Background(), "acme/widget")
	require.NoError(t, err)
	status := res.Data.(AppStatus)
	assert.Equal(t, "acme/widget", status.App.ID)
	assert.Equal(t, "running", *status.Status.ActiveSubstate)

	res, err = f.manager.Services(context.Background())
	require.NoError(t, err)
	services := res.Data.([]models.ServiceStatus)
	require.Len(t, services, 1)
	assert.Equal(t, "acme-widget.service", *services[0].Name)
}

func TestServicesEmpty(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ServiceStatus{}, res.Data)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.manager.Dispatch(ctx, models.Install{Record: widget()})
	assert.True(t, resp.OK)
	assert.Equal(t, "Install", resp.Command)
	assert.Equal(t, "acme/widget", resp.ID)

	resp = f.manager.Dispatch(ctx, models.Stop{ID: "acme/missing"})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindNotFound, resp.Error.Kind)

	resp = f.manager.Dispatch(ctx, models.List{})
	require.True(t, resp.OK)
	var views []models.AppView
	require.NoError(t, json.Unmarshal(resp.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "acme/widget", views[0].ID)

	for _, cmd := range []models.Command{
		models.Edit{ID: "acme/widget", Record: widget()},
		models.SetEnabled{ID: "acme/widget", Enabled: true},
		models.Start{ID: "acme/widget"},
		models.Restart{ID: "acme/widget"},
		models.Get{ID: "acme/widget"},
		models.Status{ID: "acme/widget"},
		models.Services{},
		models.Uninstall{ID: "acme/widget"},
	} {
		resp := f.manager.Dispatch(ctx, cmd)
		assert.True(t, resp.OK, "%s: %+v", cmd.Tag(), resp.Error)
	}
	assert.Empty(t, f.registry.List())
}

func TestHistoryFailureDoesNotFailCommand(t *testing.T) {
	f := newFixture(t)
	f.history.failOn = "create"

	_, err := f.manager.Install(context.Background(), widget())
	require.NoError(t, err)
	assert.Nil(t, f.history.last())
}

func TestManagerWithoutHistoryOrMetrics(t *testing.T) {
	root := t.TempDir()
	reg := registry.Load(filepath.Join(root, "apps.json"), zerolog.Nop())
	m := NewManager(Options{AppsDir: filepath.Join(root, "apps")}, reg, &fakeCloner{}, &fakeShell{}, newFakeServices(), zerolog.Nop())

	_, err := m.Install(context.Background(), widget())
	require.NoError(t, err)
	_, err = m.Uninstall(context.Background(), "acme/widget")
	require.NoError(t, err)
}
