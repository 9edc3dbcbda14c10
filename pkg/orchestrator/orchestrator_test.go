package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/converge/pkg/appdef"
	"github.com/cuemby/converge/pkg/events"
	"github.com/cuemby/converge/pkg/runtime"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// fakeRuntime keeps containers in memory and fails the calls listed in
// fail, keyed by "<operation> <name>"
type fakeRuntime struct {
	mu        sync.Mutex
	running   map[string]bool
	calls     []string
	specs     map[string]runtime.RunSpec
	fail      map[string]error
	noNetwork bool
	blockOn   string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]bool),
		specs:   make(map[string]runtime.RunSpec),
		fail:    make(map[string]error),
	}
}

func (f *fakeRuntime) record(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + " " + name
	f.calls = append(f.calls, key)
	return f.fail[key]
}

func (f *fakeRuntime) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, spec runtime.BuildSpec) error {
	name := strings.TrimPrefix(strings.Split(spec.Image, ":")[0], "converge/")
	if err := f.record("build", name); err != nil {
		return err
	}
	if f.blockOn == name {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, spec runtime.RunSpec) error {
	if err := f.record("start", spec.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.Name] = true
	f.specs[spec.Name] = spec
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, name string) error {
	if err := f.record("stop", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeRuntime) ListRunning(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeRuntime) CopyInto(_ context.Context, name, _, _ string) error {
	return f.record("copy", name)
}

func (f *fakeRuntime) Exec(_ context.Context, name, _ string) (string, error) {
	return "", f.record("exec", name)
}

func (f *fakeRuntime) CreateNetwork(context.Context, string, string) error {
	if f.noNetwork {
		return runtime.ErrUnsupported
	}
	return nil
}

func (f *fakeRuntime) NetworkMembers(context.Context, string) (map[string]string, error) {
	return nil, runtime.ErrUnsupported
}

func (f *fakeRuntime) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 5 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, rt runtime.Runtime) (*Orchestrator, *FileSnapshotStore) {
	t.Helper()
	snaps := NewFileSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json"))
	o, err := New(rt, snaps, testConfig())
	require.NoError(t, err)
	return o, snaps
}

func app(name string) appdef.Instance {
	return appdef.Instance{
		Name: name,
		Definition: appdef.Definition{
			From:         "nginx:1.27",
			PortsExposed: map[int]int{8080: 80},
			Environment:  map[string]string{"SITE": name},
		},
	}
}

func TestRunStartsNewApplication(t *testing.T) {
	rt := newFakeRuntime()
	o, snaps := newTestOrchestrator(t, rt)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	o.SetBroker(broker)

	web := app("web")
	web.Definition.ExecuteWhenStarted = []string{"nginx -s reload"}

	result, err := o.Run(context.Background(), []appdef.Instance{web})
	require.NoError(t, err)

	assert.Equal(t, 1, rt.count("build"))
	assert.Equal(t, 1, rt.count("start"))
	assert.Equal(t, 1, rt.count("exec"))
	assert.Equal(t, []string{"web"}, result.Built)
	assert.Equal(t, []string{"web"}, result.Started)
	assert.Empty(t, result.Failed)

	snap, err := snaps.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Running, 1)
	state := snap.Running["web"]
	require.NotNil(t, state)
	assert.NotEmpty(t, state.ImageHash)
	assert.NotEmpty(t, state.RunHash)
	assert.NotEmpty(t, state.StartHash)
	assert.Equal(t, "172.30.0.2", state.IP)
	assert.Equal(t, "172.30.0.2", snap.IPs["web"])
	assert.Equal(t, types.StateRunning, snap.State("web"))

	spec := rt.specs["web"]
	assert.Equal(t, "converge", spec.Network)
	assert.Equal(t, "172.30.0.2", spec.IP)
	assert.Equal(t, runtime.ImageRef("web", state.ImageHash), spec.Image)

	select {
	case e := <-sub:
		assert.Equal(t, events.EventApplicationRunning, e.Type)
		assert.Equal(t, "web", e.Metadata["application"])
	case <-time.After(2 * time.Second):
		t.Fatal("running event not published")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)
	desired := []appdef.Instance{app("web"), app("api")}

	_, err := o.Run(context.Background(), desired)
	require.NoError(t, err)
	rt.reset()

	result, err := o.Run(context.Background(), desired)
	require.NoError(t, err)

	assert.Zero(t, rt.count("build"))
	assert.Zero(t, rt.count("start"))
	assert.Zero(t, rt.count("stop"))
	assert.Equal(t, []string{"api", "web"}, result.Unchanged)
	assert.Len(t, result.Snapshot.Running, 2)
}

func TestRunReactsToHashChanges(t *testing.T) {
	tests := []struct {
		name   string
		change func(d *appdef.Definition)
		builds int
		starts int
		execs  int
	}{
		{
			name:   "image input rebuilds and restarts",
			change: func(d *appdef.Definition) { d.Environment["MODE"] = "debug" },
			builds: 1, starts: 1,
		},
		{
			name:   "run input restarts only",
			change: func(d *appdef.Definition) { d.HostToIP = map[string]string{"db": "10.0.0.5"} },
			starts: 1,
		},
		{
			name:   "start input runs post-start actions only",
			change: func(d *appdef.Definition) { d.ExecuteWhenStarted = []string{"touch /ready"} },
			execs:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			o, _ := newTestOrchestrator(t, rt)

			web := app("web")
			_, err := o.Run(context.Background(), []appdef.Instance{web})
			require.NoError(t, err)
			rt.reset()

			changed := app("web")
			tt.change(&changed.Definition)
			result, err := o.Run(context.Background(), []appdef.Instance{changed})
			require.NoError(t, err)

			assert.Equal(t, tt.builds, rt.count("build"))
			assert.Equal(t, tt.starts, rt.count("start"))
			assert.Equal(t, tt.execs, rt.count("exec"))
			assert.Empty(t, result.Failed)

			state := result.Snapshot.Running["web"]
			require.NotNil(t, state)
			assert.Equal(t, changed.Definition.ImageUniqueID(), state.ImageHash)
			assert.Equal(t, changed.Definition.ContainerRunUniqueID(), state.RunHash)
			assert.Equal(t, changed.Definition.ContainerStartUniqueID(), state.StartHash)
		})
	}
}

func TestRunRestartsMissingContainer(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)
	desired := []appdef.Instance{app("web")}

	_, err := o.Run(context.Background(), desired)
	require.NoError(t, err)

	// The container died outside of converge
	delete(rt.running, "web")
	rt.reset()

	result, err := o.Run(context.Background(), desired)
	require.NoError(t, err)
	assert.Zero(t, rt.count("build"))
	assert.Equal(t, 1, rt.count("start"))
	assert.Equal(t, []string{"web"}, result.Started)
}

func TestRunIsolatesFailures(t *testing.T) {
	rt := newFakeRuntime()
	rt.fail["build bad"] = fmt.Errorf("%w: build exited with 1", types.ErrCommandFailed)
	rt.fail["start flaky"] = fmt.Errorf("%w: port already allocated", types.ErrCommandFailed)
	o, _ := newTestOrchestrator(t, rt)

	desired := []appdef.Instance{app("bad"), app("flaky"), app("good")}
	result, err := o.Run(context.Background(), desired)
	require.NoError(t, err)

	snap := result.Snapshot
	assert.Contains(t, snap.Running, "good")
	assert.Equal(t, types.StateRunning, snap.State("good"))

	require.Contains(t, result.Failed, "bad")
	assert.ErrorIs(t, result.Failed["bad"], types.ErrCommandFailed)
	bad := snap.Failed["bad"]
	require.NotNil(t, bad)
	assert.Empty(t, bad.ImageHash)
	assert.Contains(t, bad.Error, "build exited with 1")
	assert.NotContains(t, snap.Running, "bad")

	// The image of flaky was built before the start failed
	flaky := snap.Failed["flaky"]
	require.NotNil(t, flaky)
	assert.NotEmpty(t, flaky.ImageHash)
	assert.Empty(t, flaky.RunHash)
	assert.Equal(t, types.StateFailed, snap.State("flaky"))

	// Next cycle retries only what failed
	delete(rt.fail, "build bad")
	delete(rt.fail, "start flaky")
	rt.reset()

	result, err = o.Run(context.Background(), desired)
	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []string{"bad"}, result.Built)
	assert.Equal(t, []string{"bad", "flaky"}, result.Started)
	assert.Equal(t, []string{"good"}, result.Unchanged)
	assert.Empty(t, result.Snapshot.Failed)
}

func TestRunStopsRemovedApplications(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)

	_, err := o.Run(context.Background(), []appdef.Instance{app("web"), app("api")})
	require.NoError(t, err)

	// A failed stop keeps the entry for the next cycle
	rt.fail["stop api"] = errors.New("daemon unavailable")
	result, err := o.Run(context.Background(), []appdef.Instance{app("web")})
	require.NoError(t, err)
	assert.Contains(t, result.Failed, "api")
	assert.Contains(t, result.Snapshot.Running, "api")
	assert.Empty(t, result.Stopped)

	delete(rt.fail, "stop api")
	result, err = o.Run(context.Background(), []appdef.Instance{app("web")})
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, result.Stopped)
	assert.NotContains(t, result.Snapshot.Running, "api")
	assert.NotContains(t, result.Snapshot.IPs, "api")
	assert.False(t, rt.running["api"])
	assert.Equal(t, []string{"web"}, result.Unchanged)
}

func TestRunRetriesStopOfFailedApplication(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)

	web := app("web")
	web.Definition.ExecuteWhenStarted = []string{"nginx -s reload"}
	rt.fail["exec web"] = fmt.Errorf("%w: reload exited with 1", types.ErrCommandFailed)

	result, err := o.Run(context.Background(), []appdef.Instance{web})
	require.NoError(t, err)
	require.Contains(t, result.Snapshot.Failed, "web")
	require.True(t, rt.running["web"], "container started before exec failed")

	rt.fail["stop web"] = errors.New("daemon unavailable")
	result, err = o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, result.Failed, "web")
	assert.Contains(t, result.Snapshot.Failed, "web")
	assert.Empty(t, result.Stopped)
	assert.True(t, rt.running["web"])

	delete(rt.fail, "stop web")
	rt.reset()
	result, err = o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rt.count("stop"))
	assert.Equal(t, []string{"web"}, result.Stopped)
	assert.Empty(t, result.Snapshot.Failed)
	assert.Empty(t, result.Failed)
	assert.False(t, rt.running["web"])
}

func TestRunSchedulesCronApplications(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)

	backup := appdef.Instance{
		Name: "backup",
		Definition: appdef.Definition{
			From:            "alpine:3.20",
			Command:         "/backup.sh",
			ExecutionPolicy: appdef.PolicyCron,
			CronTime:        "0 3 * * *",
		},
	}

	result, err := o.Run(context.Background(), []appdef.Instance{backup})
	require.NoError(t, err)
	assert.Equal(t, 1, rt.count("build"))
	assert.Zero(t, rt.count("start"))

	snap := result.Snapshot
	assert.Equal(t, "0 3 * * *", snap.Cron["backup"])
	assert.Equal(t, types.StateCronScheduled, snap.State("backup"))
	assert.Empty(t, snap.Running["backup"].IP)
	assert.NotContains(t, snap.IPs, "backup")

	rt.reset()
	result, err = o.Run(context.Background(), []appdef.Instance{backup})
	require.NoError(t, err)
	assert.Zero(t, rt.count("build"))
	assert.Equal(t, []string{"backup"}, result.Unchanged)

	// Dropping it needs no container stop
	rt.reset()
	result, err = o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup"}, result.Stopped)
	assert.Zero(t, rt.count("stop"))
	assert.Empty(t, result.Snapshot.Cron)
}

func TestRunRejectsInvalidDefinitions(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)

	broken := appdef.Instance{Name: "broken", Definition: appdef.Definition{}}
	result, err := o.Run(context.Background(), []appdef.Instance{broken, app("web")})
	require.NoError(t, err)

	assert.Contains(t, result.Failed, "broken")
	assert.Equal(t, types.StateFailed, result.Snapshot.State("broken"))
	assert.Equal(t, []string{"build web"}, rt.calls[:1])
	assert.Equal(t, 1, rt.count("build"))
}

func TestRunKeepsAddresses(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)

	result, err := o.Run(context.Background(), []appdef.Instance{app("b"), app("a")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "172.30.0.2", "b": "172.30.0.3"}, result.Snapshot.IPs)

	rt.reset()
	result, err = o.Run(context.Background(), []appdef.Instance{app("a"), app("aa"), app("b")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "172.30.0.2", "aa": "172.30.0.4", "b": "172.30.0.3"}, result.Snapshot.IPs)
	assert.Equal(t, []string{"aa"}, result.Started)
}

func TestRunWithoutNetworkSupport(t *testing.T) {
	rt := newFakeRuntime()
	rt.noNetwork = true
	o, _ := newTestOrchestrator(t, rt)

	result, err := o.Run(context.Background(), []appdef.Instance{app("web")})
	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Snapshot.IPs)
	assert.Empty(t, rt.specs["web"].Network)
	assert.Empty(t, rt.specs["web"].IP)
}

func TestRunRecordsRedirects(t *testing.T) {
	rt := newFakeRuntime()
	o, _ := newTestOrchestrator(t, rt)

	web := app("web")
	web.Definition.PortsRedirect = []appdef.Redirect{
		{LocalPort: 6379, Machine: "m2", Application: "cache", Endpoint: "redis"},
		{LocalPort: 5432, Machine: "m1", Application: "db", Endpoint: "postgres"},
	}

	result, err := o.Run(context.Background(), []appdef.Instance{web})
	require.NoError(t, err)
	assert.Equal(t, []types.PortRedirect{
		{Application: "web", LocalPort: 5432, Machine: "m1", Container: "db", Endpoint: "postgres"},
		{Application: "web", LocalPort: 6379, Machine: "m2", Container: "cache", Endpoint: "redis"},
	}, result.Snapshot.Redirects)
}

func TestRunTimesOutCommands(t *testing.T) {
	rt := newFakeRuntime()
	rt.blockOn = "slow"
	snaps := storage.NewMemoryStore(types.NewRegistry())

	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	o, err := New(rt, snaps, cfg)
	require.NoError(t, err)

	result, err := o.Run(context.Background(), []appdef.Instance{app("slow"), app("web")})
	require.NoError(t, err)
	require.Contains(t, result.Failed, "slow")
	assert.Contains(t, result.Failed["slow"].Error(), "timed out")
	assert.Contains(t, result.Snapshot.Running, "web")

	saved, err := snaps.LoadSnapshot()
	require.NoError(t, err)
	assert.Contains(t, saved.Failed, "slow")
}

func TestNewRejectsBadSubnet(t *testing.T) {
	cfg := testConfig()
	cfg.Subnet = "not-a-subnet"
	_, err := New(newFakeRuntime(), NewFileSnapshotStore(filepath.Join(t.TempDir(), "s.json")), cfg)
	assert.Error(t, err)
}

func TestStartRunsCycles(t *testing.T) {
	rt := newFakeRuntime()
	snaps := NewFileSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json"))
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	o, err := New(rt, snaps, cfg)
	require.NoError(t, err)

	cycles := make(chan error, 16)
	o.OnCycle(func(_ *Result, err error) {
		select {
		case cycles <- err:
		default:
		}
	})
	o.Start(func(context.Context) ([]appdef.Instance, error) {
		return []appdef.Instance{app("web")}, nil
	})
	defer o.Stop()

	for i := 0; i < 2; i++ {
		select {
		case err := <-cycles:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("no orchestration cycle ran")
		}
	}
	assert.Equal(t, 1, rt.count("build"))
}

func TestFileSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store := NewFileSnapshotStore(path)

	snap, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Running)
	assert.NotNil(t, snap.Failed)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap.Running["web"] = &types.ContainerState{ImageHash: "i", RunHash: "r", StartHash: "s", IP: "172.30.0.2", UpdatedAt: at}
	snap.IPs["web"] = "172.30.0.2"
	snap.Cron["backup"] = "0 3 * * *"
	snap.UpdatedAt = at
	require.NoError(t, store.SaveSnapshot(snap))

	loaded, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)

	// No temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = store.LoadSnapshot()
	assert.Error(t, err)
}

func TestIPPool(t *testing.T) {
	pool, err := newIPPool("10.1.0.0/29")
	require.NoError(t, err)

	assert.False(t, pool.reserve("10.1.0.1"), "gateway")
	assert.False(t, pool.reserve("10.1.0.7"), "broadcast")
	assert.False(t, pool.reserve("10.2.0.3"), "outside")
	assert.True(t, pool.reserve("10.1.0.3"))
	assert.False(t, pool.reserve("10.1.0.3"), "taken")

	var got []string
	for {
		ip, err := pool.allocate()
		if err != nil {
			break
		}
		got = append(got, ip)
	}
	assert.Equal(t, []string{"10.1.0.2", "10.1.0.4", "10.1.0.5", "10.1.0.6"}, got)

	_, err = newIPPool("10.1.0.0/31")
	assert.Error(t, err)
}
