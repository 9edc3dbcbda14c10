package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/converge/pkg/appdef"
	"github.com/cuemby/converge/pkg/events"
	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/runtime"
	"github.com/cuemby/converge/pkg/types"
)

// Config holds orchestrator settings
type Config struct {
	Network        string        // Runtime network the containers join
	Subnet         string        // Subnet addresses are assigned from
	Workers        int           // Applications processed concurrently
	CommandTimeout time.Duration // Limit for each runtime command, 0 for none
	Interval       time.Duration // Time between cycles of Start
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() Config {
	return Config{
		Network:        "converge",
		Subnet:         "172.30.0.0/16",
		Workers:        4,
		CommandTimeout: 10 * time.Minute,
		Interval:       30 * time.Second,
	}
}

// DesiredFunc returns the applications that should run
type DesiredFunc func(ctx context.Context) ([]appdef.Instance, error)

// Result summarizes one cycle
type Result struct {
	Built     []string
	Started   []string
	Stopped   []string
	Unchanged []string
	Failed    map[string]error
	Snapshot  *types.RuntimeSnapshot
}

// Orchestrator converges the container runtime towards the desired
// applications, using the content hashes in the snapshot to skip work
type Orchestrator struct {
	runtime   runtime.Runtime
	snapshots SnapshotStore
	cfg       Config
	broker    *events.Broker
	logger    zerolog.Logger
	now       func() time.Time
	onCycle   func(*Result, error)

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an orchestrator
func New(rt runtime.Runtime, snapshots SnapshotStore, cfg Config) (*Orchestrator, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Subnet != "" {
		if _, err := newIPPool(cfg.Subnet); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		runtime:   rt,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    log.WithComponent("orchestrator"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}, nil
}

// SetBroker sets the broker application events are published to
func (o *Orchestrator) SetBroker(b *events.Broker) {
	o.broker = b
}

// OnCycle registers fn to be called after every cycle run by Start
func (o *Orchestrator) OnCycle(fn func(*Result, error)) {
	o.onCycle = fn
}

// Start runs a cycle every interval until Stop is called
func (o *Orchestrator) Start(desired DesiredFunc) {
	o.done = make(chan struct{})
	go o.loop(desired)
}

// Stop stops the loop started by Start and waits for the running cycle
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	if o.done != nil {
		<-o.done
	}
}

func (o *Orchestrator) loop(desired DesiredFunc) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-o.stopCh
		cancel()
	}()

	o.cycle(ctx, desired)
	for {
		select {
		case <-ticker.C:
			o.cycle(ctx, desired)
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context, desired DesiredFunc) {
	apps, err := desired(ctx)
	var result *Result
	if err != nil {
		err = fmt.Errorf("failed to compute desired applications: %w", err)
	} else {
		result, err = o.Run(ctx, apps)
	}

	if err != nil {
		o.logger.Error().Err(err).Msg("Orchestration cycle failed")
	}
	if o.onCycle != nil {
		o.onCycle(result, err)
	}
}

// plan is the work decided for one application before the workers run
type plan struct {
	inst      appdef.Instance
	image     string
	run       string
	start     string
	ip        string
	achieved  *types.ContainerState
	rebuild   bool
	restart   bool
	postStart bool
	stopFirst bool
	invalid   error
}

func (p *plan) idle() bool {
	return p.invalid == nil && !p.rebuild && !p.restart && !p.postStart && !p.stopFirst
}

// outcome is what one worker achieved for one application
type outcome struct {
	state   types.ContainerState
	built   bool
	started bool
	err     error
}

// Run performs one orchestration cycle for the desired applications and
// persists the resulting snapshot. Failures of single applications are
// recorded in the result and the snapshot; an error is returned only when
// the cycle itself cannot proceed.
func (o *Orchestrator) Run(ctx context.Context, desired []appdef.Instance) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OrchestrationDuration)

	prev, err := o.snapshots.LoadSnapshot()
	if err != nil {
		metrics.SetComponent(metrics.ComponentOrchestrator, false, err.Error())
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	network := o.cfg.Network
	if network != "" {
		if err := o.runtime.CreateNetwork(ctx, network, o.cfg.Subnet); err != nil {
			if !errors.Is(err, runtime.ErrUnsupported) {
				metrics.SetComponent(metrics.ComponentOrchestrator, false, err.Error())
				return nil, err
			}
			network = ""
		}
	}

	names, err := o.runtime.ListRunning(ctx)
	if err != nil {
		metrics.SetComponent(metrics.ComponentOrchestrator, false, err.Error())
		return nil, err
	}
	running := make(map[string]bool, len(names))
	for _, name := range names {
		running[name] = true
	}

	apps := o.dedupe(desired)
	wanted := make(map[string]bool, len(apps))
	for _, inst := range apps {
		wanted[inst.Name] = true
	}

	result := &Result{Failed: make(map[string]error)}
	next := types.NewRuntimeSnapshot()

	// Removed applications are stopped first so their ports and addresses
	// are free for the others
	o.stopRemoved(ctx, prev, wanted, running, next, result)

	plans, err := o.plan(prev, apps, network, running, next)
	if err != nil {
		metrics.SetComponent(metrics.ComponentOrchestrator, false, err.Error())
		return nil, err
	}

	outcomes := make([]outcome, len(plans))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i := range plans {
		p := plans[i]
		if p.idle() {
			continue
		}
		g.Go(func() error {
			outcomes[i] = o.apply(ctx, p, network)
			return nil
		})
	}
	_ = g.Wait()

	o.merge(prev, plans, outcomes, next, result)

	next.UpdatedAt = o.now()
	if err := o.snapshots.SaveSnapshot(next); err != nil {
		metrics.SetComponent(metrics.ComponentOrchestrator, false, err.Error())
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	result.Snapshot = next

	o.recordStates(next)
	metrics.SetComponent(metrics.ComponentOrchestrator, true, "")

	o.logger.Info().
		Int("built", len(result.Built)).
		Int("started", len(result.Started)).
		Int("stopped", len(result.Stopped)).
		Int("unchanged", len(result.Unchanged)).
		Int("failed", len(result.Failed)).
		Dur("duration", timer.Duration()).
		Msg("Orchestration cycle completed")

	return result, nil
}

// dedupe sorts the applications by name and keeps the first of each name
func (o *Orchestrator) dedupe(desired []appdef.Instance) []appdef.Instance {
	apps := make([]appdef.Instance, len(desired))
	copy(apps, desired)
	sort.SliceStable(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })

	var result []appdef.Instance
	for _, inst := range apps {
		if n := len(result); n > 0 && result[n-1].Name == inst.Name {
			o.logger.Warn().Str("application", inst.Name).Msg("Duplicate desired application ignored")
			continue
		}
		result = append(result, inst)
	}
	return result
}

func (o *Orchestrator) stopRemoved(ctx context.Context, prev *types.RuntimeSnapshot, wanted, running map[string]bool, next *types.RuntimeSnapshot, result *Result) {
	for _, name := range sortedNames(prev.Running) {
		if wanted[name] {
			continue
		}
		state := prev.Running[name]
		if _, cron := prev.Cron[name]; cron && !running[name] {
			result.Stopped = append(result.Stopped, name)
			continue
		}

		err := o.command(ctx, "stop", func(ctx context.Context) error {
			return o.runtime.StopContainer(ctx, name)
		})
		if err != nil {
			// Kept so the stop is retried next cycle
			o.logger.Error().Err(err).Str("application", name).Msg("Failed to stop removed application")
			next.Running[name] = state
			if state.IP != "" {
				next.IPs[name] = state.IP
			}
			result.Failed[name] = err
			continue
		}
		result.Stopped = append(result.Stopped, name)
		o.publish(events.EventApplicationStopped, name, "Application stopped")
	}

	for _, name := range sortedNames(prev.Failed) {
		if wanted[name] {
			continue
		}
		if running[name] {
			err := o.command(ctx, "stop", func(ctx context.Context) error {
				return o.runtime.StopContainer(ctx, name)
			})
			if err != nil {
				// A failed application may still run after a post-start step
				// failed; keep it until the container is gone
				o.logger.Error().Err(err).Str("application", name).Msg("Failed to stop removed application")
				state := prev.Failed[name]
				next.Failed[name] = state
				if ip := prev.IPs[name]; ip != "" {
					next.IPs[name] = ip
				} else if state != nil && state.IP != "" {
					next.IPs[name] = state.IP
				}
				result.Failed[name] = err
				continue
			}
		}
		if _, stopped := prev.Running[name]; !stopped {
			result.Stopped = append(result.Stopped, name)
		}
	}
}

// plan compares the hashes of every application with what the snapshot
// records and assigns addresses. Previous assignments are reserved before
// any new address is handed out.
func (o *Orchestrator) plan(prev *types.RuntimeSnapshot, apps []appdef.Instance, network string, running map[string]bool, next *types.RuntimeSnapshot) ([]*plan, error) {
	var pool *ipPool
	if network != "" && o.cfg.Subnet != "" {
		var err error
		if pool, err = newIPPool(o.cfg.Subnet); err != nil {
			return nil, err
		}
		for _, ip := range next.IPs {
			pool.reserve(ip)
		}
	}

	plans := make([]*plan, len(apps))
	for i, inst := range apps {
		def := inst.Definition
		p := &plan{
			inst:  inst,
			image: def.ImageUniqueID(),
			run:   def.ContainerRunUniqueID(),
			start: def.ContainerStartUniqueID(),
		}
		if state, ok := prev.Running[inst.Name]; ok {
			p.achieved = state
		} else if state, ok := prev.Failed[inst.Name]; ok {
			p.achieved = state
		}
		if err := def.Validate(); err != nil {
			p.invalid = err
		}
		plans[i] = p

		if pool != nil && !def.IsCron() {
			if ip := prev.IPs[inst.Name]; ip != "" && pool.reserve(ip) {
				p.ip = ip
			}
		}
	}

	for _, p := range plans {
		def := p.inst.Definition
		if pool != nil && !def.IsCron() && p.ip == "" {
			ip, err := pool.allocate()
			if err != nil {
				p.invalid = err
			}
			p.ip = ip
		}
		if p.invalid != nil {
			continue
		}

		var image, run, start, ip string
		if p.achieved != nil {
			image, run, start, ip = p.achieved.ImageHash, p.achieved.RunHash, p.achieved.StartHash, p.achieved.IP
		}
		p.rebuild = image != p.image

		if def.IsCron() {
			p.stopFirst = running[p.inst.Name]
			continue
		}
		p.restart = p.rebuild || run != p.run || ip != p.ip || !running[p.inst.Name]
		p.postStart = p.restart || start != p.start
	}
	return plans, nil
}

// apply builds, starts and finishes one application. Every step that
// succeeds is reflected in the returned state, so a later failure keeps
// what was achieved.
func (o *Orchestrator) apply(ctx context.Context, p *plan, network string) outcome {
	name := p.inst.Name
	def := p.inst.Definition
	logger := log.WithApplication(name)

	var out outcome
	if p.achieved != nil {
		out.state.ImageHash = p.achieved.ImageHash
		out.state.RunHash = p.achieved.RunHash
		out.state.StartHash = p.achieved.StartHash
	}
	out.state.IP = p.ip

	if p.invalid != nil {
		out.err = p.invalid
		return out
	}
	image := runtime.ImageRef(name, p.image)

	if p.stopFirst {
		err := o.command(ctx, "stop", func(ctx context.Context) error {
			return o.runtime.StopContainer(ctx, name)
		})
		if err != nil {
			out.err = err
			return out
		}
	}

	if p.rebuild {
		logger.Debug().Str("state", string(types.StateBuilding)).Str("image", image).Msg("Building image")
		err := o.command(ctx, "build", func(ctx context.Context) error {
			return o.runtime.BuildImage(ctx, runtime.BuildSpec{Image: image, Definition: def})
		})
		if err != nil {
			out.err = err
			return out
		}
		out.state.ImageHash = p.image
		out.built = true
	}

	if def.IsCron() {
		out.state.RunHash = p.run
		out.state.StartHash = p.start
		return out
	}

	if p.restart {
		logger.Debug().Str("state", string(types.StateStarting)).Str("ip", p.ip).Msg("Starting container")
		out.state.RunHash = ""
		out.state.StartHash = ""
		err := o.command(ctx, "start", func(ctx context.Context) error {
			return o.runtime.StartContainer(ctx, runtime.RunSpecFor(p.inst, image, network, p.ip))
		})
		if err != nil {
			out.err = err
			return out
		}
		out.state.RunHash = p.run
		out.started = true
	}

	if p.postStart {
		out.state.StartHash = ""
		for _, c := range def.CopyWhenStarted {
			err := o.command(ctx, "copy", func(ctx context.Context) error {
				return o.runtime.CopyInto(ctx, name, c.Source, c.Destination)
			})
			if err != nil {
				out.err = err
				return out
			}
		}
		for _, command := range def.ExecuteWhenStarted {
			err := o.command(ctx, "exec", func(ctx context.Context) error {
				_, err := o.runtime.Exec(ctx, name, command)
				return err
			})
			if err != nil {
				out.err = err
				return out
			}
		}
		out.state.StartHash = p.start
	}
	return out
}

// command runs one runtime call under the command timeout
func (o *Orchestrator) command(ctx context.Context, action string, fn func(context.Context) error) error {
	metrics.ApplicationActions.WithLabelValues(action).Inc()
	if o.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CommandTimeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %s: %w", action, o.cfg.CommandTimeout, err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) merge(prev *types.RuntimeSnapshot, plans []*plan, outcomes []outcome, next *types.RuntimeSnapshot, result *Result) {
	now := o.now()
	for i, p := range plans {
		name := p.inst.Name
		def := p.inst.Definition

		if p.ip != "" {
			next.IPs[name] = p.ip
		}

		if p.idle() {
			state := *p.achieved
			state.Error = ""
			next.Running[name] = &state
			if def.IsCron() {
				next.Cron[name] = def.CronTime
			}
			result.Unchanged = append(result.Unchanged, name)
			continue
		}

		out := outcomes[i]
		out.state.UpdatedAt = now
		if out.built {
			result.Built = append(result.Built, name)
		}
		if out.started {
			result.Started = append(result.Started, name)
		}

		if out.err != nil {
			out.state.Error = out.err.Error()
			next.Failed[name] = &out.state
			result.Failed[name] = out.err
			logger := log.WithApplication(name)
			logger.Error().Err(out.err).Msg("Application failed")
			o.publish(events.EventApplicationFailed, name, out.err.Error())
			continue
		}

		next.Running[name] = &out.state
		if def.IsCron() {
			next.Cron[name] = def.CronTime
		}
		if out.started || prev.State(name) != types.StateRunning {
			o.publish(events.EventApplicationRunning, name, "Application running")
		}
	}

	for _, p := range plans {
		for _, r := range p.inst.Definition.PortsRedirect {
			next.Redirects = append(next.Redirects, types.PortRedirect{
				Application: p.inst.Name,
				LocalPort:   r.LocalPort,
				Machine:     r.Machine,
				Container:   r.Application,
				Endpoint:    r.Endpoint,
			})
		}
	}
	sort.Slice(next.Redirects, func(i, j int) bool {
		a, b := next.Redirects[i], next.Redirects[j]
		if a.Application != b.Application {
			return a.Application < b.Application
		}
		return a.LocalPort < b.LocalPort
	})

	sort.Strings(result.Stopped)
}

func (o *Orchestrator) recordStates(snap *types.RuntimeSnapshot) {
	counts := map[types.ApplicationState]int{
		types.StateRunning:       0,
		types.StateFailed:        0,
		types.StateCronScheduled: 0,
	}
	for name := range snap.Running {
		counts[snap.State(name)]++
	}
	for name := range snap.Failed {
		if _, ok := snap.Running[name]; !ok {
			counts[types.StateFailed]++
		}
	}
	for state, n := range counts {
		metrics.ApplicationStates.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (o *Orchestrator) publish(eventType events.EventType, name, message string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(events.NewEvent(eventType, message, "application", name))
}

func sortedNames(m map[string]*types.ContainerState) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
