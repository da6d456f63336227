package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/config"
	"github.com/JakeFAU/adaptive-crawler/internal/dispatcher"
	"github.com/JakeFAU/adaptive-crawler/internal/orchestrator"
)

type fakeRunner struct {
	mu      sync.Mutex
	drained int
	started chan struct{}
	err     error
}

func (r *fakeRunner) Run(ctx context.Context) (dispatcher.Summary, error) {
	close(r.started)
	if r.err != nil {
		return dispatcher.Summary{}, r.err
	}
	<-ctx.Done()
	return dispatcher.Summary{Steps: 4}, nil
}

func (r *fakeRunner) RunUntilDrained(context.Context) (dispatcher.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained++
	return dispatcher.Summary{
		Steps:    2,
		Outcomes: map[orchestrator.Outcome]int{orchestrator.StepSuccess: 2},
	}, nil
}

type fakeApp struct {
	cfg     config.Config
	runner  *fakeRunner
	seeds   []string
	seedErr error
	closed  bool
}

func (a *fakeApp) Close() { a.closed = true }
func (a *fakeApp) Logger() *zap.Logger { return zap.NewNop() }
func (a *fakeApp) Config() config.Config { return a.cfg }
func (a *fakeApp) Runner() Runner { return a.runner }
func (a *fakeApp) Handler() http.Handler { return http.NotFoundHandler() }

func (a *fakeApp) Seed(_ context.Context, urls []string) (int, error) {
	if a.seedErr != nil {
		return 0, a.seedErr
	}
	a.seeds = append(a.seeds, urls...)
	return len(urls), nil
}

func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func TestCrawlCommandSeedsAndDrains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawler:\n  seeds: [\"https://shop.test/\"]\n"), 0o600))

	fake := &fakeApp{runner: &fakeRunner{started: make(chan struct{})}}
	withFakeApp(t, fake)

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--config", path, "--seed", "https://shop.test/sale"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.Equal(t, []string{"https://shop.test/", "https://shop.test/sale"}, fake.seeds)
	require.Equal(t, 1, fake.runner.drained)
	require.True(t, fake.closed)
}

func TestCrawlCommandStopsOnSeedFailure(t *testing.T) {
	fake := &fakeApp{runner: &fakeRunner{started: make(chan struct{})}, seedErr: errors.New("redis down")}
	withFakeApp(t, fake)

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--seed", "https://shop.test/"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "enqueue seeds")
	require.Zero(t, fake.runner.drained)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawler:\n  workers: 0\n"), 0o600))

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--config", path})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "load config")
}

func TestResolveAppWithoutServices(t *testing.T) {
	t.Parallel()
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{started: make(chan struct{})}
	fake := &fakeApp{runner: runner, cfg: config.Config{Server: config.ServerConfig{Port: 0, ShutdownTimeoutSeconds: 1}}}

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), appKey, App(fake)))
	done := make(chan error, 1)
	go func() { done <- runServe(ctx) }()

	<-runner.started
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeReturnsDispatcherFailure(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{started: make(chan struct{}), err: errors.New("worker 0: store unavailable")}
	fake := &fakeApp{runner: runner}

	ctx := context.WithValue(context.Background(), appKey, App(fake))
	require.ErrorContains(t, runServe(ctx), "store unavailable")
}
