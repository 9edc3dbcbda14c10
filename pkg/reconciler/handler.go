package reconciler

import (
	"context"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/types"
)

// Handler reacts to committed changes of one resource type. Handlers never
// write to the store: they stage follow-up changes in cs, which the engine
// commits in the next iteration.
type Handler interface {
	// OnAdd is called once the resource was created
	OnAdd(ctx context.Context, svc *Services, cs *changes.Changeset, r types.Resource) error

	// OnUpdate is called when the attributes of the resource changed
	OnUpdate(ctx context.Context, svc *Services, cs *changes.Changeset, prev, next types.Resource) error

	// OnDelete is called after the resource and its links were removed.
	// priorLinks holds the links it had before the deletion.
	OnDelete(ctx context.Context, svc *Services, cs *changes.Changeset, r types.Resource, priorLinks []types.Link) error

	// OnCheckAndFix is called when the links or tags of the resource, or
	// the attributes of a linked resource, changed
	OnCheckAndFix(ctx context.Context, svc *Services, cs *changes.Changeset, r types.Resource) error
}

// NopHandler implements Handler with no-ops, for embedding
type NopHandler struct{}

func (NopHandler) OnAdd(context.Context, *Services, *changes.Changeset, types.Resource) error {
	return nil
}

func (NopHandler) OnUpdate(context.Context, *Services, *changes.Changeset, types.Resource, types.Resource) error {
	return nil
}

func (NopHandler) OnDelete(context.Context, *Services, *changes.Changeset, types.Resource, []types.Link) error {
	return nil
}

func (NopHandler) OnCheckAndFix(context.Context, *Services, *changes.Changeset, types.Resource) error {
	return nil
}

// ReconcileFunc computes the desired state of one resource. Handlers whose
// four callbacks all boil down to "recompute what this resource implies"
// use NewReconcileHandler.
type ReconcileFunc func(ctx context.Context, svc *Services, cs *changes.Changeset, r types.Resource) error

type reconcileHandler struct {
	fn ReconcileFunc
}

// NewReconcileHandler runs fn on add, update and check-and-fix. Deletion is
// left to orphan collection of the managed resources.
func NewReconcileHandler(fn ReconcileFunc) Handler {
	return &reconcileHandler{fn: fn}
}

func (h *reconcileHandler) OnAdd(ctx context.Context, svc *Services, cs *changes.Changeset, r types.Resource) error {
	return h.fn(ctx, svc, cs, r)
}

func (h *reconcileHandler) OnUpdate(ctx context.Context, svc *Services, cs *changes.Changeset, _, next types.Resource) error {
	return h.fn(ctx, svc, cs, next)
}

func (h *reconcileHandler) OnDelete(context.Context, *Services, *changes.Changeset, types.Resource, []types.Link) error {
	return nil
}

func (h *reconcileHandler) OnCheckAndFix(ctx context.Context, svc *Services, cs *changes.Changeset, r types.Resource) error {
	return h.fn(ctx, svc, cs, r)
}
