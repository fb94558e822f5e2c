package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/appd/models"
	"github.com/sorenmh/infrastructure-shared/appd/registry"
	"github.com/sorenmh/infrastructure-shared/appd/shell"
	"github.com/sorenmh/infrastructure-shared/appd/units"
)

// systemctl status exits 3 for a unit that is loaded but not running; the
// report is still complete.
const statusInactive = 3

// Manager is the service manager contract used by the lifecycle manager.
type Manager interface {
	UnitPath(systemID string) string
	WriteUnit(ctx context.Context, descriptor units.Descriptor) (string, error)
	RemoveUnit(systemID string) error
	DaemonReload(ctx context.Context) error
	Enable(ctx context.Context, systemID string) error
	Disable(ctx context.Context, systemID string) error
	Start(ctx context.Context, systemID string) error
	Stop(ctx context.Context, systemID string) error
	Restart(ctx context.Context, systemID string) error
	Status(ctx context.Context, systemID string) (string, error)
	StatusAll(ctx context.Context) (string, error)
}

var _ Manager = (*Systemctl)(nil)

// RunFunc executes an external program. It matches shell.Exec.
type RunFunc func(ctx context.Context, dir, name string, args ...string) (shell.Result, error)

// Systemctl drives systemd through the systemctl binary.
type Systemctl struct {
	unitDir   string
	userScope bool
	generator units.UnitGenerator
	run       RunFunc
	log       zerolog.Logger
}

// Option customizes a Systemctl.
type Option func(*Systemctl)

// WithRunner replaces the process runner.
func WithRunner(run RunFunc) Option {
	return func(s *Systemctl) {
		s.run = run
	}
}

// WithGenerator replaces the unit file renderer.
func WithGenerator(generator units.UnitGenerator) Option {
	return func(s *Systemctl) {
		s.generator = generator
	}
}

// New creates a Systemctl writing unit files to unitDir. With userScope
// every call goes to the per-user instance (`systemctl --user`).
func New(unitDir string, userScope bool, log zerolog.Logger, opts ...Option) *Systemctl {
	s := &Systemctl{
		unitDir:   unitDir,
		userScope: userScope,
		generator: units.NewGenerator(),
		run:       shell.Exec,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UnitPath returns where the unit file for systemID lives.
func (s *Systemctl) UnitPath(systemID string) string {
	return filepath.Join(s.unitDir, unitName(systemID))
}

// WriteUnit renders descriptor and atomically writes it to the unit
// directory.
func (s *Systemctl) WriteUnit(ctx context.Context, descriptor units.Descriptor) (string, error) {
	content, err := s.generator.Generate(descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}

	path := s.UnitPath(descriptor.Name)
	if err := registry.WriteFileAtomic(path, content, 0o644); err != nil {
		return "", models.IOError("failed to write unit file", err)
	}

	s.log.Info().Str("unit", descriptor.FileName()).Str("path", path).Msg("unit file written")
	return path, nil
}

// RemoveUnit deletes the unit file. A missing file is not an error.
func (s *Systemctl) RemoveUnit(systemID string) error {
	path := s.UnitPath(systemID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return models.IOError("failed to remove unit file", err)
	}
	return nil
}

func (s *Systemctl) DaemonReload(ctx context.Context) error {
	_, err := s.systemctl(ctx, "daemon-reload")
	return err
}

func (s *Systemctl) Enable(ctx context.Context, systemID string) error {
	_, err := s.systemctl(ctx, "enable", unitName(systemID))
	return err
}

func (s *Systemctl) Disable(ctx context.Context, systemID string) error {
	_, err := s.systemctl(ctx, "disable", unitName(systemID))
	return err
}

func (s *Systemctl) Start(ctx context.Context, systemID string) error {
	_, err := s.systemctl(ctx, "start", unitName(systemID))
	return err
}

func (s *Systemctl) Stop(ctx context.Context, systemID string) error {
	_, err := s.systemctl(ctx, "stop", unitName(systemID))
	return err
}

func (s *Systemctl) Restart(ctx context.Context, systemID string) error {
	_, err := s.systemctl(ctx, "restart", unitName(systemID))
	return err
}

// Status returns the raw `systemctl status` report for one unit.
func (s *Systemctl) Status(ctx context.Context, systemID string) (string, error) {
	return s.status(ctx, unitName(systemID))
}

// StatusAll returns the raw report for every unit in scope.
func (s *Systemctl) StatusAll(ctx context.Context) (string, error) {
	return s.status(ctx, "--all")
}

func (s *Systemctl) status(ctx context.Context, target string) (string, error) {
	args := s.args("status", "--no-pager", "--lines=0", target)
	result, err := s.run(ctx, "", "systemctl", args...)
	if err != nil {
		return "", models.ExternalTool("systemctl status", err)
	}
	if result.ExitCode != 0 && result.ExitCode != statusInactive {
		return "", models.ExternalTool("systemctl status", exitError(result))
	}
	return string(result.Output), nil
}

func (s *Systemctl) systemctl(ctx context.Context, action string, rest ...string) (shell.Result, error) {
	args := s.args(append([]string{action}, rest...)...)

	s.log.Debug().Strs("args", args).Msg("running systemctl")
	result, err := s.run(ctx, "", "systemctl", args...)
	if err != nil {
		return result, models.ExternalTool("systemctl "+action, err)
	}
	if !result.Success() {
		return result, models.ExternalTool("systemctl "+action, exitError(result))
	}
	return result, nil
}

func (s *Systemctl) args(args ...string) []string {
	if s.userScope {
		return append([]string{"--user"}, args...)
	}
	return args
}

func unitName(systemID string) string {
	if strings.HasSuffix(systemID, ".service") {
		return systemID
	}
	return systemID + ".service"
}

func exitError(result shell.Result) error {
	output := strings.TrimSpace(string(result.Output))
	if output == "" {
		return fmt.Errorf("exit status %d", result.ExitCode)
	}
	return fmt.Errorf("exit status %d: %s", result.ExitCode, output)
}
