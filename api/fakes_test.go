package api

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/appd/config"
	"github.com/sorenmh/infrastructure-shared/appd/lifecycle"
	"github.com/sorenmh/infrastructure-shared/appd/models"
)

const testKey = "test-master-key"

type fakeLifecycle struct {
	mu          sync.Mutex
	apps        map[string]models.AppView
	statuses    []models.ServiceStatus
	servicesErr error
	dispatched  []models.Command
}

func newFakeLifecycle() *fakeLifecycle {
	record := models.AppRecord{Repo: "https://example.com/acme/widget.git", RunCommand: "./widget"}
	return &fakeLifecycle{apps: map[string]models.AppView{"acme/widget": record.View()}}
}

func (f *fakeLifecycle) Dispatch(_ context.Context, cmd models.Command) models.Response {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, cmd)
	view, ok := f.apps[cmd.AppID()]
	f.mu.Unlock()

	if cmd.AppID() != "" && !ok {
		if _, install := cmd.(models.Install); !install {
			return models.Fail(cmd, models.NotFound(cmd.AppID()))
		}
	}
	return models.Succeed(cmd, view)
}

func (f *fakeLifecycle) commands() []models.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Command(nil), f.dispatched...)
}

func (f *fakeLifecycle) List() lifecycle.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	views := []models.AppView{}
	for _, v := range f.apps {
		views = append(views, v)
	}
	return lifecycle.Result{Data: views}
}

func (f *fakeLifecycle) Get(id string) (lifecycle.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.apps[id]
	if !ok {
		return lifecycle.Result{}, models.NotFound(id)
	}
	return lifecycle.Result{Data: view}, nil
}

func (f *fakeLifecycle) Status(_ context.Context, id string) (lifecycle.Result, error) {
	res, err := f.Get(id)
	if err != nil {
		return res, err
	}
	active := "active"
	return lifecycle.Result{Data: lifecycle.AppStatus{
		App:    res.Data.(models.AppView),
		Status: models.ServiceStatus{ActiveState: &active},
	}}, nil
}

func (f *fakeLifecycle) Services(context.Context) (lifecycle.Result, error) {
	if f.servicesErr != nil {
		return lifecycle.Result{}, f.servicesErr
	}
	return lifecycle.Result{Data: f.statuses}, nil
}

type fakeHistory struct {
	pingErr error
	ops     []models.Operation
	appID   string
	limit   int
}

func (f *fakeHistory) ListOperations(appID string, limit int) ([]models.Operation, error) {
	f.appID, f.limit = appID, limit
	return f.ops, nil
}

func (f *fakeHistory) Ping() error { return f.pingErr }

type fakeSampler struct {
	mu     sync.Mutex
	sample models.TelemetrySample
	err    error
	calls  int
	// delay mimics the settle window of a host sample.
	delay  time.Duration
}

func (f *fakeSampler) Sample(ctx context.Context) (models.TelemetrySample, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if ctx.Err() != nil {
		return models.TelemetrySample{}, ctx.Err()
	}
	return f.sample, f.err
}

var errSampleFailed = errors.New("sample failed")

type testServer struct {
	server    *Server
	lifecycle *fakeLifecycle
	history   *fakeHistory
	sampler   *fakeSampler
	clock     *clockwork.FakeClock
	registry  *prometheus.Registry
	config    *config.Config
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		MasterKey: testKey,
		Paths:     config.PathsConfig{RegistryFile: filepath.Join(t.TempDir(), "apps.json")},
		Session: config.SessionConfig{
			AuthTimeout:       2 * time.Second,
			WriteTimeout:      2 * time.Second,
			TelemetryInterval: 2 * time.Second,
			OutboundBuffer:    4,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	ts := &testServer{
		lifecycle: newFakeLifecycle(),
		history:   &fakeHistory{},
		sampler:   &fakeSampler{sample: models.TelemetrySample{Memory: 41, CPU: 7, Disk: 63, Network: 1024}},
		clock:     clockwork.NewFakeClock(),
		registry:  prometheus.NewRegistry(),
		config:    cfg,
	}
	ts.server = NewServer(cfg, ts.lifecycle, ts.history, ts.sampler, ts.registry, zerolog.Nop(), WithClock(ts.clock))
	return ts
}
