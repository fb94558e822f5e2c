package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/appd/git"
	"github.com/sorenmh/infrastructure-shared/appd/metrics"
	"github.com/sorenmh/infrastructure-shared/appd/models"
	"github.com/sorenmh/infrastructure-shared/appd/registry"
	"github.com/sorenmh/infrastructure-shared/appd/shell"
	"github.com/sorenmh/infrastructure-shared/appd/statusparse"
	"github.com/sorenmh/infrastructure-shared/appd/systemd"
	"github.com/sorenmh/infrastructure-shared/appd/units"
)

// History records mutating operations. Failures are logged and never fail
// the operation itself.
type History interface {
	CreateOperation(op *models.Operation) error
	AddEvent(operationID, step, details string) error
	FinishOperation(id, status, message string) error
}

// Options configure the lifecycle manager.
type Options struct {
	AppsDir     string
	ToolTimeout time.Duration
	Units       units.Options
}

// Result is the outcome of a successful command.
type Result struct {
	Data     any
	Warnings []string
}

// InstallResult is the data returned by Install.
type InstallResult struct {
	App      models.AppView `json:"app"`
	Commit   string         `json:"commit"`
	UnitPath string         `json:"unit_path"`
}

// AppStatus is an app together with the parsed state of its unit.
type AppStatus struct {
	App    models.AppView       `json:"app"`
	Status models.ServiceStatus `json:"status"`
}

// Manager turns commands into registry mutations and side effects on the
// host. The registry lock is never held across an external call.
type Manager struct {
	opts     Options
	registry registry.Store
	cloner   git.Cloner
	shell    shell.Runner
	services systemd.Manager
	history  History
	metrics  *metrics.LifecycleMetrics
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHistory records mutating operations in h.
func WithHistory(h History) Option {
	return func(m *Manager) {
		m.history = h
	}
}

// WithMetrics reports lifecycle metrics to lm.
func WithMetrics(lm *metrics.LifecycleMetrics) Option {
	return func(m *Manager) {
		m.metrics = lm
	}
}

func NewManager(opts Options, store registry.Store, cloner git.Cloner, runner shell.Runner, services systemd.Manager, log zerolog.Logger, options ...Option) *Manager {
	m := &Manager{
		opts:     opts,
		registry: store,
		cloner:   cloner,
		shell:    runner,
		services: services,
		log:      log,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	m.updateInstalled()
	return m
}

// Dispatch executes cmd and converts the outcome into a response frame.
func (m *Manager) Dispatch(ctx context.Context, cmd models.Command) models.Response {
	result, err := m.Execute(ctx, cmd)
	if err != nil {
		return models.Fail(cmd, err, result.Warnings...)
	}
	return models.Succeed(cmd, result.Data, result.Warnings...)
}

// Execute runs one command. Every command variant is handled here.
func (m *Manager) Execute(ctx context.Context, cmd models.Command) (Result, error) {
	switch c := cmd.(type) {
	case models.Install:
		return m.Install(ctx, c.Record)
	case models.Edit:
		return m.Edit(ctx, c.ID, c.Record)
	case models.Uninstall:
		return m.Uninstall(ctx, c.ID)
	case models.SetEnabled:
		return m.SetEnabled(ctx, c.ID, c.Enabled)
	case models.Start:
		return m.Start(ctx, c.ID)
	case models.Stop:
		return m.Stop(ctx, c.ID)
	case models.Restart:
		return m.Restart(ctx, c.ID)
	case models.List:
		return m.List(), nil
	case models.Get:
		return m.Get(c.ID)
	case models.Status:
		return m.Status(ctx, c.ID)
	case models.Services:
		return m.Services(ctx)
	default:
		return Result{}, &models.Error{Kind: models.KindInternal, Message: fmt.Sprintf("unsupported command %T", cmd)}
	}
}

// Install clones, builds and registers a new app. The registry entry is
// written last; any failure before that leaves no trace in the registry.
func (m *Manager) Install(ctx context.Context, record models.AppRecord) (res Result, err error) {
	if err := models.ValidateRecord(record); err != nil {
		return Result{}, err
	}
	id, _ := record.ID()

	// Apps with the same repo name share a checkout folder.
	release, err := m.acquire(id, checkoutKey(record.FolderName()))
	if err != nil {
		return Result{}, err
	}
	defer release()

	if _, err := m.registry.Get(id); err == nil {
		return Result{}, models.Conflict(fmt.Sprintf("app already installed: %s", id))
	}

	op := m.begin("Install", id)
	defer func() { op.finish(err, res.Warnings) }()
	log := m.log.With().Str("app_id", id).Str("operation_id", op.id).Logger()

	if err := os.MkdirAll(m.opts.AppsDir, 0o755); err != nil {
		return Result{}, models.IOError("failed to create apps directory", err)
	}

	checkout := filepath.Join(m.opts.AppsDir, record.FolderName())
	if _, err := os.Stat(checkout); err == nil {
		return Result{}, models.Conflict(fmt.Sprintf("checkout directory already exists: %s", checkout))
	}

	toolCtx, cancel := m.toolContext(ctx)
	defer cancel()

	log.Info().Str("repo", record.Repo).Str("branch", record.Branch).Msg("cloning app")
	cloned, err := m.cloner.Clone(toolCtx, record.Repo, record.Branch, checkout)
	if err != nil {
		m.toolFailed("git")
		// A conflict means the directory was not ours to begin with.
		if !errors.Is(err, models.ErrConflict) {
			m.removeCheckout(log, checkout)
		}
		return Result{}, err
	}
	op.event("clone", cloned.Commit)

	// From here on a failure has to undo the checkout.
	committed := false
	defer func() {
		if !committed {
			m.removeCheckout(log, checkout)
		}
	}()

	if record.InstallCommand != "" {
		if warning := m.runInstallCommand(toolCtx, log, checkout, record.InstallCommand); warning != "" {
			res.Warnings = append(res.Warnings, warning)
			op.event("install_command", warning)
		} else {
			op.event("install_command", "ok")
		}
	}

	descriptor, err := units.Build(record, checkout, m.opts.Units)
	if err != nil {
		return res, err
	}
	unitPath, err := m.services.WriteUnit(toolCtx, descriptor)
	if err != nil {
		return res, err
	}
	op.event("unit", unitPath)

	if err := m.services.DaemonReload(toolCtx); err != nil {
		m.toolFailed("systemctl")
		res.Warnings = append(res.Warnings, fmt.Sprintf("daemon-reload failed: %v", err))
	}
	if record.IsEnabled() {
		if err := m.services.Enable(toolCtx, descriptor.Name); err != nil {
			m.toolFailed("systemctl")
			res.Warnings = append(res.Warnings, fmt.Sprintf("enable failed: %v", err))
		} else {
			op.event("enable", descriptor.Name)
		}
	}

	if err := m.registry.Upsert(record); err != nil {
		if record.IsEnabled() {
			if disErr := m.services.Disable(toolCtx, descriptor.Name); disErr != nil {
				log.Warn().Err(disErr).Msg("failed to disable unit after registry failure")
			}
		}
		if rmErr := m.services.RemoveUnit(descriptor.Name); rmErr != nil {
			log.Warn().Err(rmErr).Msg("failed to remove unit after registry failure")
		}
		return res, err
	}
	committed = true
	op.event("registry", "added")
	m.updateInstalled()

	for _, w := range res.Warnings {
		log.Warn().Str("warning", w).Msg("install finished with warning")
	}
	log.Info().Str("unit", unitPath).Msg("app installed")

	res.Data = InstallResult{App: record.View(), Commit: cloned.Commit, UnitPath: unitPath}
	return res, nil
}

// Uninstall removes the checkout, the unit and finally the registry entry.
// Only the registry removal decides the outcome; earlier failures become
// warnings.
func (m *Manager) Uninstall(ctx context.Context, id string) (res Result, err error) {
	release, err := m.acquire(id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	record, err := m.registry.Get(id)
	if err != nil {
		return Result{}, err
	}
	releaseCheckout, err := m.acquire(checkoutKey(record.FolderName()))
	if err != nil {
		return Result{}, err
	}
	defer releaseCheckout()
	systemID := models.SystemID(id)

	op := m.begin("Uninstall", id)
	defer func() { op.finish(err, res.Warnings) }()
	log := m.log.With().Str("app_id", id).Str("operation_id", op.id).Logger()

	toolCtx, cancel := m.toolContext(ctx)
	defer cancel()

	warn := func(step string, err error) {
		msg := fmt.Sprintf("%s failed: %v", step, err)
		res.Warnings = append(res.Warnings, msg)
		op.event(step, msg)
		log.Warn().Err(err).Str("step", step).Msg("uninstall step failed")
	}

	if err := m.services.Stop(toolCtx, systemID); err != nil {
		warn("stop", err)
	}
	if err := m.services.Disable(toolCtx, systemID); err != nil {
		warn("disable", err)
	}
	if err := os.RemoveAll(filepath.Join(m.opts.AppsDir, record.FolderName())); err != nil {
		warn("remove_checkout", err)
	}
	if err := m.services.RemoveUnit(systemID); err != nil {
		warn("remove_unit", err)
	}
	if err := m.services.DaemonReload(toolCtx); err != nil {
		warn("daemon_reload", err)
	}

	if err := m.registry.Remove(id); err != nil {
		return res, err
	}
	op.event("registry", "removed")
	m.updateInstalled()

	log.Info().Msg("app uninstalled")
	res.Data = record.View()
	return res, nil
}

// Edit replaces the stored record. The checkout and unit are left alone.
func (m *Manager) Edit(ctx context.Context, id string, record models.AppRecord) (res Result, err error) {
	release, err := m.acquire(id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	existing, err := m.registry.Get(id)
	if err != nil {
		return Result{}, err
	}
	if err := models.ValidateRecord(record); err != nil {
		return Result{}, err
	}
	if newID, _ := record.ID(); newID != id {
		return Result{}, models.Validation(fmt.Errorf("repo %q belongs to %q, not %q", record.Repo, newID, id))
	}
	if record.Enabled == nil {
		record.Enabled = existing.Enabled
	}

	op := m.begin("Edit", id)
	defer func() { op.finish(err, nil) }()

	if err := m.registry.Upsert(record); err != nil {
		return Result{}, err
	}
	m.log.Info().Str("app_id", id).Msg("app edited")
	return Result{Data: record.View()}, nil
}

// SetEnabled toggles start-at-boot and stores the flag once systemd agreed.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (res Result, err error) {
	release, err := m.acquire(id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if _, err := m.registry.Get(id); err != nil {
		return Result{}, err
	}

	op := m.begin("SetEnabled", id)
	defer func() { op.finish(err, nil) }()

	toolCtx, cancel := m.toolContext(ctx)
	defer cancel()

	systemID := models.SystemID(id)
	if enabled {
		err = m.services.Enable(toolCtx, systemID)
	} else {
		err = m.services.Disable(toolCtx, systemID)
	}
	if err != nil {
		m.toolFailed("systemctl")
		return Result{}, err
	}

	if err := m.registry.SetEnabled(id, enabled); err != nil {
		return Result{}, err
	}
	m.log.Info().Str("app_id", id).Bool("enabled", enabled).Msg("app boot state changed")

	record, err := m.registry.Get(id)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: record.View()}, nil
}

func (m *Manager) Start(ctx context.Context, id string) (Result, error) {
	return m.control(ctx, "Start", id, m.services.Start)
}

func (m *Manager) Stop(ctx context.Context, id string) (Result, error) {
	return m.control(ctx, "Stop", id, m.services.Stop)
}

func (m *Manager) Restart(ctx context.Context, id string) (Result, error) {
	return m.control(ctx, "Restart", id, m.services.Restart)
}

func (m *Manager) control(ctx context.Context, command, id string, action func(context.Context, string) error) (res Result, err error) {
	release, err := m.acquire(id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	record, err := m.registry.Get(id)
	if err != nil {
		return Result{}, err
	}

	op := m.begin(command, id)
	defer func() { op.finish(err, nil) }()

	toolCtx, cancel := m.toolContext(ctx)
	defer cancel()

	if err := action(toolCtx, models.SystemID(id)); err != nil {
		m.toolFailed("systemctl")
		return Result{}, err
	}
	m.log.Info().Str("app_id", id).Str("command", command).Msg("service action done")
	return Result{Data: record.View()}, nil
}

// List returns every registered app.
func (m *Manager) List() Result {
	records := m.registry.List()
	views := make([]models.AppView, 0, len(records))
	for _, r := range records {
		views = append(views, r.View())
	}
	return Result{Data: views}
}

// Get returns one registered app.
func (m *Manager) Get(id string) (Result, error) {
	record, err := m.registry.Get(id)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: record.View()}, nil
}

// Status returns the app with the parsed report of its unit. A report that
// cannot be parsed comes back as the all-nil status.
func (m *Manager) Status(ctx context.Context, id string) (Result, error) {
	record, err := m.registry.Get(id)
	if err != nil {
		return Result{}, err
	}

	toolCtx, cancel := m.toolContext(ctx)
	defer cancel()

	report, err := m.services.Status(toolCtx, models.SystemID(id))
	if err != nil {
		return Result{}, err
	}
	return Result{Data: AppStatus{App: record.View(), Status: statusparse.Parse(report)}}, nil
}

// Services returns every unit in scope that parses as a service.
func (m *Manager) Services(ctx context.Context) (Result, error) {
	toolCtx, cancel := m.toolContext(ctx)
	defer cancel()

	report, err := m.services.StatusAll(toolCtx)
	if err != nil {
		return Result{}, err
	}
	statuses := statusparse.ParseAll(report)
	if statuses == nil {
		statuses = []models.ServiceStatus{}
	}
	return Result{Data: statuses}, nil
}

func (m *Manager) runInstallCommand(ctx context.Context, log zerolog.Logger, dir, command string) string {
	log.Info().Str("command", command).Msg("running install command")

	result, err := m.shell.Run(ctx, dir, command)
	switch {
	case err != nil:
		m.toolFailed("shell")
		log.Warn().Err(err).Msg("install command did not run")
		return fmt.Sprintf("install command failed: %v", err)
	case !result.Success():
		m.toolFailed("shell")
		log.Warn().
			Int("exit_code", result.ExitCode).
			Bytes("output", result.Output).
			Msg("install command exited nonzero")
		return fmt.Sprintf("install command exited with status %d", result.ExitCode)
	}
	return ""
}

func (m *Manager) removeCheckout(log zerolog.Logger, checkout string) {
	if err := os.RemoveAll(checkout); err != nil {
		log.Warn().Err(err).Str("path", checkout).Msg("failed to remove checkout")
	}
}

// acquire marks every key busy, or none of them. Concurrent mutating
// commands on one key conflict.
func (m *Manager) acquire(keys ...string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if _, busy := m.inflight[key]; busy {
			return nil, models.Conflict(fmt.Sprintf("another operation on %s is in progress", key))
		}
	}
	for _, key := range keys {
		m.inflight[key] = struct{}{}
	}

	return func() {
		m.mu.Lock()
		for _, key := range keys {
			delete(m.inflight, key)
		}
		m.mu.Unlock()
	}, nil
}

func checkoutKey(folder string) string {
	return "checkout " + folder
}

func (m *Manager) toolContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.ToolTimeout > 0 {
		return context.WithTimeout(ctx, m.opts.ToolTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) toolFailed(tool string) {
	if m.metrics != nil {
		m.metrics.ToolFailures.WithLabelValues(tool).Inc()
	}
}

func (m *Manager) updateInstalled() {
	if m.metrics != nil {
		m.metrics.InstalledApps.Set(float64(len(m.registry.List())))
	}
}

// operation wraps one history row.
type operation struct {
	id      string
	history History
	log     zerolog.Logger
}

func (m *Manager) begin(command, appID string) *operation {
	op := &operation{id: uuid.NewString(), history: m.history, log: m.log}
	if op.history == nil {
		return op
	}
	if err := op.history.CreateOperation(&models.Operation{ID: op.id, Command: command, AppID: appID}); err != nil {
		op.log.Warn().Err(err).Msg("failed to record operation")
		op.history = nil
	}
	return op
}

func (o *operation) event(step, details string) {
	if o.history == nil {
		return
	}
	if err := o.history.AddEvent(o.id, step, details); err != nil {
		o.log.Warn().Err(err).Str("step", step).Msg("failed to record operation event")
	}
}

func (o *operation) finish(err error, warnings []string) {
	if o.history == nil {
		return
	}
	status, message := models.OperationSuccess, ""
	if err != nil {
		status, message = models.OperationFailed, err.Error()
	} else if len(warnings) > 0 {
		message = fmt.Sprintf("%d warning(s)", len(warnings))
	}
	if ferr := o.history.FinishOperation(o.id, status, message); ferr != nil && !errors.Is(ferr, models.ErrNotFound) {
		o.log.Warn().Err(ferr).Msg("failed to finish operation")
	}
}
