package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/events"
	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// Config tunes the engine
type Config struct {
	// MaxIterations caps the commit iterations of one Execute call.
	// 0 means unbounded.
	MaxIterations int
}

// Engine commits changesets and runs the per-type handlers until the graph
// reaches a fixed point. All writes go through Execute, which holds one
// global lock for the whole loop.
type Engine struct {
	store    storage.Store
	reg      *types.Registry
	services *Services
	broker   *events.Broker
	logger   zerolog.Logger

	maxIterations int

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu sync.Mutex

	later *scheduler
}

// NewEngine creates an engine writing to store
func NewEngine(store storage.Store, reg *types.Registry, cfg Config) *Engine {
	e := &Engine{
		store:         store,
		reg:           reg,
		logger:        log.WithComponent("reconciler"),
		maxIterations: cfg.MaxIterations,
		handlers:      make(map[string]Handler),
	}
	e.services = NewServices(store, reg)
	e.later = newScheduler(e)
	e.services.later = e.ExecuteLater
	return e
}

// SetBroker makes the engine publish resource events on b
func (e *Engine) SetBroker(b *events.Broker) {
	e.broker = b
}

// Register installs the handler of resourceType. Subtypes without their own
// handler use the handler of their closest registered ancestor.
func (e *Engine) Register(resourceType string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[resourceType] = h
}

// Services returns the read facade shared with handlers
func (e *Engine) Services() *Services {
	return e.services
}

// Registry returns the resource type registry
func (e *Engine) Registry() *types.Registry {
	return e.reg
}

// NewChangeset creates an empty changeset bound to the engine registry
func (e *Engine) NewChangeset() *changes.Changeset {
	return changes.New(e.reg)
}

func (e *Engine) handlerFor(resourceType string) Handler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	for t := resourceType; t != ""; {
		if h, ok := e.handlers[t]; ok {
			return h
		}
		d, err := e.reg.Descriptor(t)
		if err != nil {
			return nil
		}
		t = d.Parent
	}
	return nil
}

// Execute commits cs and keeps committing the follow-up changes staged by
// handlers until no handler stages anything. cs cannot be reused afterwards.
func (e *Engine) Execute(ctx context.Context, cs *changes.Changeset) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	if !cs.HasChanges() {
		return cs.MarkCommitted()
	}

	iterations := 0
	defer func() {
		if iterations > 0 {
			metrics.ReconcileIterations.Observe(float64(iterations))
		}
	}()

	for pending := cs; pending.HasChanges(); {
		if err := ctx.Err(); err != nil {
			return err
		}
		iterations++
		if e.maxIterations > 0 && iterations > e.maxIterations {
			return fmt.Errorf("%w: graph still changing after %d iterations (%s pending)",
				types.ErrReconcileLimit, e.maxIterations, pending)
		}

		e.logger.Debug().
			Int("iteration", iterations).
			Str("changes", pending.String()).
			Msg("Committing changeset")

		result, err := e.commit(pending)
		if err != nil {
			return fmt.Errorf("commit failed at iteration %d: %w", iterations, err)
		}

		next := e.NewChangeset()
		if err := e.dispatch(ctx, result, next); err != nil {
			return err
		}
		if err := e.collectOrphans(result, next); err != nil {
			return fmt.Errorf("orphan collection failed: %w", err)
		}
		pending = next
	}
	return nil
}

type updated struct {
	prev types.Resource
	next types.Resource
}

type deleted struct {
	resource types.Resource
	links    []types.Link
}

// commitResult describes what one commit actually changed
type commitResult struct {
	added   []types.Resource
	updated []updated
	deleted []deleted

	// ids whose tags or links changed
	touched map[string]bool

	// targets of removed MANAGES links
	unmanaged map[string]bool
}

// commit turns the changeset into an id-based batch, drops no-op changes
// and applies it to the store
func (e *Engine) commit(cs *changes.Changeset) (*commitResult, error) {
	if err := cs.MarkCommitted(); err != nil {
		return nil, err
	}

	result := &commitResult{
		touched:   make(map[string]bool),
		unmanaged: make(map[string]bool),
	}
	batch := &storage.Batch{}
	deletedIDs := make(map[string]bool)

	for _, d := range cs.Deletes() {
		current, err := e.store.Get(d.ID)
		if err != nil {
			return nil, fmt.Errorf("delete of %s: %w", d.ID, err)
		}
		out, err := e.store.Links(d.ID, "", "")
		if err != nil {
			return nil, err
		}
		in, err := e.store.Links("", "", d.ID)
		if err != nil {
			return nil, err
		}
		prior := append(out, in...)
		for _, l := range out {
			if l.Type == types.LinkManages {
				result.unmanaged[l.To] = true
			}
		}
		batch.Deletes = append(batch.Deletes, d.ID)
		deletedIDs[d.ID] = true
		result.deleted = append(result.deleted, deleted{resource: current, links: prior})
	}

	for _, u := range cs.Updates() {
		prev, err := e.store.Get(u.ID)
		if err != nil {
			return nil, types.NewResourceError(types.ErrIllegalUpdate, u.Resource.ResourceType(),
				e.reg.MustKey(u.Resource), "update of unknown id %s", u.ID)
		}
		next, err := e.reg.Clone(u.Resource)
		if err != nil {
			return nil, err
		}
		next.Meta().ID = u.ID
		if same, err := e.reg.SameContent(prev, next); err != nil {
			return nil, err
		} else if same && prev.Meta().Editor == next.Meta().Editor {
			continue
		}
		batch.Updates = append(batch.Updates, next)
		result.updated = append(result.updated, updated{prev: prev, next: next})
	}

	// Keys of resources created by this batch, for link and tag endpoints
	// staged before their target had an id
	addedIDs := make(map[string]string)
	originals := make(map[string]types.Resource)
	for _, r := range cs.Adds() {
		clone, err := e.reg.Clone(r)
		if err != nil {
			return nil, err
		}
		if clone.Meta().ID == "" {
			clone.Meta().ID = uuid.NewString()
		}
		key, err := e.reg.Key(clone)
		if err != nil {
			return nil, err
		}
		addedIDs[key] = clone.Meta().ID
		originals[clone.Meta().ID] = r
		batch.Adds = append(batch.Adds, clone)
		result.added = append(result.added, clone)
	}

	resolve := func(r types.Resource) (string, bool, error) {
		if id := r.Meta().ID; id != "" {
			return id, true, nil
		}
		key, err := e.reg.Key(r)
		if err != nil {
			return "", false, err
		}
		if id, ok := addedIDs[key]; ok {
			return id, true, nil
		}
		pk, err := e.reg.PrimaryKey(r)
		if err != nil {
			return "", false, err
		}
		found, err := e.store.GetByPrimaryKey(r.ResourceType(), pk)
		if errors.Is(err, types.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return found.Meta().ID, true, nil
	}

	for _, tc := range cs.TagDeletes() {
		id, ok, err := resolve(tc.Resource)
		if err != nil {
			return nil, err
		}
		if !ok || deletedIDs[id] || !e.hasTag(id, tc.Tag) {
			continue
		}
		batch.TagDeletes = append(batch.TagDeletes, types.Tag{ResourceID: id, Name: tc.Tag})
		result.touched[id] = true
	}

	for _, lc := range cs.LinkDeletes() {
		from, okFrom, err := resolve(lc.From)
		if err != nil {
			return nil, err
		}
		to, okTo, err := resolve(lc.To)
		if err != nil {
			return nil, err
		}
		if !okFrom || !okTo || deletedIDs[from] || deletedIDs[to] {
			continue
		}
		l := types.Link{From: from, Type: lc.LinkType, To: to}
		if exists, err := e.hasLink(l); err != nil {
			return nil, err
		} else if !exists {
			continue
		}
		batch.LinkDeletes = append(batch.LinkDeletes, l)
		result.touched[from] = true
		result.touched[to] = true
		if l.Type == types.LinkManages {
			result.unmanaged[to] = true
		}
	}

	for _, tc := range cs.TagAdds() {
		id, ok, err := resolve(tc.Resource)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.NewResourceError(types.ErrNotFound, tc.Resource.ResourceType(),
				e.reg.MustKey(tc.Resource), "cannot tag %q", tc.Tag)
		}
		if originals[id] == nil && e.hasTag(id, tc.Tag) {
			continue
		}
		batch.TagAdds = append(batch.TagAdds, types.Tag{ResourceID: id, Name: tc.Tag})
		result.touched[id] = true
	}

	for _, lc := range cs.LinkAdds() {
		from, okFrom, err := resolve(lc.From)
		if err != nil {
			return nil, err
		}
		to, okTo, err := resolve(lc.To)
		if err != nil {
			return nil, err
		}
		if !okFrom || !okTo {
			missing := lc.From
			if okFrom {
				missing = lc.To
			}
			return nil, types.NewResourceError(types.ErrNotFound, missing.ResourceType(),
				e.reg.MustKey(missing), "cannot link %s", lc.LinkType)
		}
		l := types.Link{From: from, Type: lc.LinkType, To: to}
		if originals[from] == nil && originals[to] == nil {
			if exists, err := e.hasLink(l); err != nil {
				return nil, err
			} else if exists {
				continue
			}
		}
		batch.LinkAdds = append(batch.LinkAdds, l)
		result.touched[from] = true
		result.touched[to] = true
	}

	if batch.Empty() {
		return result, nil
	}
	if err := e.store.Apply(batch); err != nil {
		return nil, err
	}
	metrics.ChangesetsCommitted.Inc()

	// The staged objects now describe persisted resources
	for id, r := range originals {
		r.Meta().ID = id
	}
	e.publish(result)
	return result, nil
}

func (e *Engine) hasTag(id, tag string) bool {
	tags, err := e.store.Tags(id)
	if err != nil {
		return false
	}
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e *Engine) hasLink(l types.Link) (bool, error) {
	links, err := e.store.Links(l.From, l.Type, l.To)
	if err != nil {
		return false, err
	}
	return len(links) > 0, nil
}

func (e *Engine) publish(result *commitResult) {
	if e.broker == nil {
		return
	}
	for _, r := range result.added {
		e.broker.Publish(events.NewEvent(events.EventResourceAdded, "resource added",
			"type", r.ResourceType(), "key", e.reg.MustKey(r), "id", r.Meta().ID))
	}
	for _, u := range result.updated {
		e.broker.Publish(events.NewEvent(events.EventResourceUpdated, "resource updated",
			"type", u.next.ResourceType(), "key", e.reg.MustKey(u.next), "id", u.next.Meta().ID))
	}
	for _, d := range result.deleted {
		e.broker.Publish(events.NewEvent(events.EventResourceDeleted, "resource deleted",
			"type", d.resource.ResourceType(), "key", e.reg.MustKey(d.resource), "id", d.resource.Meta().ID))
	}
}

// dispatch runs the handlers of every resource affected by result. Follow-up
// changes go to next.
func (e *Engine) dispatch(ctx context.Context, result *commitResult, next *changes.Changeset) error {
	// Resources already notified through add/update/delete
	handled := make(map[string]bool)
	gone := make(map[string]bool)
	for _, d := range result.deleted {
		gone[d.resource.Meta().ID] = true
	}

	for _, d := range result.deleted {
		handled[d.resource.Meta().ID] = true
		h := e.handlerFor(d.resource.ResourceType())
		if h == nil {
			continue
		}
		if err := h.OnDelete(ctx, e.services, next, d.resource, d.links); err != nil {
			return e.handlerError("delete", d.resource, err)
		}
	}

	for _, u := range result.updated {
		handled[u.next.Meta().ID] = true
		h := e.handlerFor(u.next.ResourceType())
		if h == nil {
			continue
		}
		if err := h.OnUpdate(ctx, e.services, next, u.prev, u.next); err != nil {
			return e.handlerError("update", u.next, err)
		}
	}

	for _, r := range result.added {
		handled[r.Meta().ID] = true
		h := e.handlerFor(r.ResourceType())
		if h == nil {
			continue
		}
		if err := h.OnAdd(ctx, e.services, next, r); err != nil {
			return e.handlerError("add", r, err)
		}
	}

	// Link or tag endpoints, plus the neighbours of updated or deleted
	// resources, recompute what they derive from the graph
	check := make(map[string]bool)
	for id := range result.touched {
		check[id] = true
	}
	for _, u := range result.updated {
		if err := e.addNeighbours(check, u.next.Meta().ID); err != nil {
			return err
		}
	}
	for _, d := range result.deleted {
		for _, l := range d.links {
			check[l.From] = true
			check[l.To] = true
		}
	}

	ids := make([]string, 0, len(check))
	for id := range check {
		if !handled[id] && !gone[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		r, err := e.store.Get(id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		h := e.handlerFor(r.ResourceType())
		if h == nil {
			continue
		}
		if err := h.OnCheckAndFix(ctx, e.services, next, r); err != nil {
			return e.handlerError("check", r, err)
		}
	}
	return nil
}

func (e *Engine) addNeighbours(set map[string]bool, id string) error {
	out, err := e.store.Links(id, "", "")
	if err != nil {
		return err
	}
	in, err := e.store.Links("", "", id)
	if err != nil {
		return err
	}
	for _, l := range out {
		set[l.To] = true
	}
	for _, l := range in {
		set[l.From] = true
	}
	return nil
}

func (e *Engine) handlerError(phase string, r types.Resource, err error) error {
	metrics.HandlerErrors.WithLabelValues(r.ResourceType()).Inc()
	key := e.reg.MustKey(r)
	logger := log.WithResource(r.ResourceType(), key)
	logger.Error().Err(err).Str("phase", phase).Msg("Handler failed")
	return fmt.Errorf("%s handler of %s: %w", phase, key, err)
}

// collectOrphans stages the deletion of resources that lost their last
// MANAGES in-link in this commit and were never edited manually
func (e *Engine) collectOrphans(result *commitResult, next *changes.Changeset) error {
	ids := make([]string, 0, len(result.unmanaged))
	for id := range result.unmanaged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if next.IsPendingDelete(id) {
			continue
		}
		r, err := e.store.Get(id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if r.Meta().Editor != "" {
			continue
		}
		managers, err := e.store.Links("", types.LinkManages, id)
		if err != nil {
			return err
		}
		if len(managers) > 0 {
			continue
		}
		if err := next.ResourceDelete(r); err != nil {
			return err
		}
		metrics.OrphansCollected.Inc()
		e.logger.Debug().Str("resource", e.reg.MustKey(r)).Msg("Deleting orphaned managed resource")
	}
	return nil
}

// Stop cancels pending delayed tasks and waits for running ones
func (e *Engine) Stop() {
	e.later.stop()
}
