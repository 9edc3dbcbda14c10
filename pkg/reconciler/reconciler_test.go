package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

type owner struct {
	types.ResourceMeta
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Needs   []string `json:"needs,omitempty"`
}

func (*owner) ResourceType() string { return "Owner" }

type item struct {
	types.ResourceMeta
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

func (*item) ResourceType() string { return "Item" }

type counter struct {
	types.ResourceMeta
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func (*counter) ResourceType() string { return "Counter" }

func testRegistry() *types.Registry {
	reg := types.NewRegistry()
	reg.MustRegister(&types.Descriptor{
		Type:       "Owner",
		New:        func() types.Resource { return &owner{} },
		PrimaryKey: []string{"name"},
		Attributes: []types.Attribute{
			{Name: "name", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*owner).Name }},
		},
	})
	reg.MustRegister(&types.Descriptor{
		Type:       "Item",
		New:        func() types.Resource { return &item{} },
		PrimaryKey: []string{"name"},
		Attributes: []types.Attribute{
			{Name: "name", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*item).Name }},
			{Name: "value", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*item).Value }},
		},
	})
	reg.MustRegister(&types.Descriptor{
		Type:       "Counter",
		New:        func() types.Resource { return &counter{} },
		PrimaryKey: []string{"name"},
		Attributes: []types.Attribute{
			{Name: "name", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*counter).Name }},
			{Name: "count", Kind: types.AttrNumber, Get: func(r types.Resource) any { return r.(*counter).Count }},
		},
	})
	return reg
}

func manageNeeds(_ context.Context, svc *Services, cs *changes.Changeset, r types.Resource) error {
	o := r.(*owner)
	var needed []types.Resource
	for _, n := range o.Needs {
		needed = append(needed, &item{Name: n, Value: o.Version})
	}
	return svc.Manage(cs, o, needed, []string{"Item"}, ManageOptions{UpdateContent: true})
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, storage.Store) {
	t.Helper()
	reg := testRegistry()
	store := storage.NewMemoryStore(reg)
	e := NewEngine(store, reg, cfg)
	e.Register("Owner", NewReconcileHandler(manageNeeds))
	t.Cleanup(e.Stop)
	return e, store
}

func execute(t *testing.T, e *Engine, stage func(cs *changes.Changeset)) error {
	t.Helper()
	cs := e.NewChangeset()
	stage(cs)
	return e.Execute(context.Background(), cs)
}

func managedNames(t *testing.T, store storage.Store, ownerID string) []string {
	t.Helper()
	links, err := store.Links(ownerID, types.LinkManages, "")
	require.NoError(t, err)
	var names []string
	for _, l := range links {
		r, err := store.Get(l.To)
		require.NoError(t, err)
		names = append(names, r.(*item).Name)
	}
	return names
}

func itemNames(t *testing.T, store storage.Store) []string {
	t.Helper()
	items, err := store.List("Item")
	require.NoError(t, err)
	var names []string
	for _, r := range items {
		names = append(names, r.(*item).Name)
	}
	return names
}

func TestManagedConvergence(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	o := &owner{Name: "web", Needs: []string{"A", "B"}}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(o))
	}))
	require.NotEmpty(t, o.ID, "staged resource gets its id on commit")
	assert.ElementsMatch(t, []string{"A", "B"}, managedNames(t, store, o.ID))

	b, err := store.GetByPrimaryKey("Item", "B")
	require.NoError(t, err)
	bID := b.Meta().ID

	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		next := &owner{Name: "web", Needs: []string{"B", "C"}}
		require.NoError(t, cs.ResourceUpdate(o.ID, next))
	}))

	assert.ElementsMatch(t, []string{"B", "C"}, managedNames(t, store, o.ID))
	assert.ElementsMatch(t, []string{"B", "C"}, itemNames(t, store))

	// B was kept, not recreated
	b, err = store.GetByPrimaryKey("Item", "B")
	require.NoError(t, err)
	assert.Equal(t, bID, b.Meta().ID)
}

func TestManagedEditedResourceSurvivesUnlink(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	o := &owner{Name: "web", Needs: []string{"A"}}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(o))
	}))

	a, err := store.GetByPrimaryKey("Item", "A")
	require.NoError(t, err)
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		a.Meta().Editor = "alice"
		require.NoError(t, cs.ResourceUpdate(a.Meta().ID, a))
	}))

	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceUpdate(o.ID, &owner{Name: "web"}))
	}))

	assert.Empty(t, managedNames(t, store, o.ID))
	assert.Equal(t, []string{"A"}, itemNames(t, store))
}

func TestManagedUpdateContent(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	o := &owner{Name: "web", Version: "1", Needs: []string{"A"}}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(o))
	}))

	a, err := store.GetByPrimaryKey("Item", "A")
	require.NoError(t, err)
	assert.Equal(t, "1", a.(*item).Value)

	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceUpdate(o.ID, &owner{Name: "web", Version: "2", Needs: []string{"A"}}))
	}))

	updatedA, err := store.GetByPrimaryKey("Item", "A")
	require.NoError(t, err)
	assert.Equal(t, "2", updatedA.(*item).Value)
	assert.Equal(t, a.Meta().ID, updatedA.Meta().ID)
}

func TestDoubleOwnershipFails(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&owner{Name: "first", Needs: []string{"shared"}}))
	}))

	err := execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&owner{Name: "second", Needs: []string{"shared"}}))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIllegalUpdate))
	assert.Equal(t, "illegal-update", types.ErrorKind(err))
	assert.Contains(t, err.Error(), "Owner/second")
}

func TestDoubleOwnershipInOneChangesetFails(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	err := execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&owner{Name: "first", Needs: []string{"shared"}}))
		require.NoError(t, cs.ResourceAdd(&owner{Name: "second", Needs: []string{"shared"}}))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIllegalUpdate))
	assert.Contains(t, err.Error(), "already managed by Owner/")

	assert.Empty(t, itemNames(t, store))
	links, err := store.Links("", types.LinkManages, "")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestDeleteOwnerCollectsManagedResources(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	o := &owner{Name: "web", Needs: []string{"A", "B"}}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(o))
		require.NoError(t, cs.ResourceAdd(&item{Name: "standalone"}))
	}))
	require.Len(t, itemNames(t, store), 3)

	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceDelete(o))
	}))

	assert.Equal(t, []string{"standalone"}, itemNames(t, store))
	links, err := store.Links("", "", "")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestIterationCap(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxIterations: 5})
	e.Register("Counter", NewReconcileHandler(func(_ context.Context, _ *Services, cs *changes.Changeset, r types.Resource) error {
		c := r.(*counter)
		return cs.ResourceUpdate(c.ID, &counter{Name: c.Name, Count: c.Count + 1})
	}))

	err := execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&counter{Name: "loop"}))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrReconcileLimit))
}

func TestHandlerErrorAborts(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	boom := errors.New("boom")
	e.Register("Item", NewReconcileHandler(func(context.Context, *Services, *changes.Changeset, types.Resource) error {
		return boom
	}))

	err := execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&item{Name: "bad"}))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "Item/bad")

	// The commit itself stays in place
	assert.Equal(t, []string{"bad"}, itemNames(t, store))
}

func TestChangesetCommittedOnce(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	cs := e.NewChangeset()
	require.NoError(t, cs.ResourceAdd(&item{Name: "once"}))
	require.NoError(t, e.Execute(context.Background(), cs))

	assert.ErrorIs(t, e.Execute(context.Background(), cs), types.ErrChangesetCommitted)
	assert.ErrorIs(t, cs.ResourceAdd(&item{Name: "twice"}), types.ErrChangesetCommitted)
}

func TestCommitFailureAppliesNothing(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&item{Name: "taken"}))
	}))

	err := execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&item{Name: "fresh"}))
		require.NoError(t, cs.ResourceAdd(&item{Name: "taken"}))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPrimaryKeyCollision))
	assert.Equal(t, []string{"taken"}, itemNames(t, store))
}

type recorder struct {
	NopHandler
	checked []string
}

func (h *recorder) OnCheckAndFix(_ context.Context, _ *Services, _ *changes.Changeset, r types.Resource) error {
	h.checked = append(h.checked, r.(*item).Name)
	return nil
}

func TestLinkChangeTriggersCheckAndFix(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	rec := &recorder{}
	e.Register("Item", rec)

	a, b := &item{Name: "a"}, &item{Name: "b"}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(a))
		require.NoError(t, cs.ResourceAdd(b))
	}))
	assert.Empty(t, rec.checked, "added resources get OnAdd only")

	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.LinkAdd(a, types.LinkUses, b))
	}))
	assert.ElementsMatch(t, []string{"a", "b"}, rec.checked)

	// Adding an existing link is not a change
	rec.checked = nil
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.LinkAdd(a, types.LinkUses, b))
	}))
	assert.Empty(t, rec.checked)

	// Updating a neighbour makes the other endpoint recheck
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceUpdate(b.ID, &item{Name: "b", Value: "new"}))
	}))
	assert.Equal(t, []string{"a"}, rec.checked)
}

func TestLinkToPendingAdd(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	a, b := &item{Name: "a"}, &item{Name: "b"}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(a))
		require.NoError(t, cs.LinkAdd(a, types.LinkUses, b))
		require.NoError(t, cs.ResourceAdd(b))
		require.NoError(t, cs.TagAdd(b, "blue"))
	}))

	links, err := store.Links(a.ID, types.LinkUses, "")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, b.ID, links[0].To)

	tags, err := store.Tags(b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"blue"}, tags)
}

func TestLinkToUnknownResourceFails(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	a := &item{Name: "a"}
	err := execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(a))
		require.NoError(t, cs.LinkAdd(a, types.LinkUses, &item{Name: "ghost"}))
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExecuteLater(t *testing.T) {
	e, store := newTestEngine(t, Config{})

	var ran atomic.Bool
	e.Services().Later(10*time.Millisecond, func(_ context.Context, _ *Services, cs *changes.Changeset) error {
		ran.Store(true)
		return cs.ResourceAdd(&item{Name: "delayed"})
	})

	assert.Eventually(t, func() bool {
		_, err := store.GetByPrimaryKey("Item", "delayed")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ran.Load())
	assert.Equal(t, 0, e.later.pending())
}

func TestStopCancelsDelayedTasks(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	var ran atomic.Bool
	e.ExecuteLater(time.Hour, func(context.Context, *Services, *changes.Changeset) error {
		ran.Store(true)
		return nil
	})
	assert.Equal(t, 1, e.later.pending())

	e.Stop()
	assert.Equal(t, 0, e.later.pending())
	assert.False(t, ran.Load())

	// Scheduling after stop is ignored
	e.ExecuteLater(0, func(context.Context, *Services, *changes.Changeset) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestServicesFindOne(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		require.NoError(t, cs.ResourceAdd(&item{Name: "x1", Value: "same"}))
		require.NoError(t, cs.ResourceAdd(&item{Name: "x2", Value: "same"}))
	}))
	svc := e.Services()

	one, found, err := svc.FindOne(svc.Query("Item").Equals("name", "x1").MustBuild())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x1", one.(*item).Name)

	_, found, err = svc.FindOne(svc.Query("Item").Equals("name", "nope").MustBuild())
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = svc.FindOne(svc.Query("Item").Equals("value", "same").MustBuild())
	assert.ErrorIs(t, err, types.ErrMultipleResults)
}

func TestMergeSorted(t *testing.T) {
	tests := []struct {
		name        string
		desired     []string
		current     []string
		wantAdded   []string
		wantRemoved []string
	}{
		{"identical", []string{"a", "b"}, []string{"b", "a"}, nil, nil},
		{"disjoint", []string{"c"}, []string{"a"}, []string{"c"}, []string{"a"}},
		{"overlap", []string{"b", "c"}, []string{"a", "b"}, []string{"c"}, []string{"a"}},
		{"empty current", []string{"b", "a", "a"}, nil, []string{"a", "b"}, nil},
		{"empty desired", nil, []string{"z", "y"}, nil, []string{"y", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var added, removed []string
			err := MergeSorted(tt.desired, tt.current, strings.Compare,
				func(s string) error { added = append(added, s); return nil },
				func(s string) error { removed = append(removed, s); return nil },
			)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdded, added)
			assert.Equal(t, tt.wantRemoved, removed)
		})
	}
}

func TestSyncLinks(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	hub := &item{Name: "hub"}
	a, b, c := &item{Name: "a"}, &item{Name: "b"}, &item{Name: "c"}
	require.NoError(t, execute(t, e, func(cs *changes.Changeset) {
		for _, r := range []*item{hub, a, b, c} {
			require.NoError(t, cs.ResourceAdd(r))
		}
		require.NoError(t, cs.LinkAdd(hub, types.LinkUses, a))
		require.NoError(t, cs.LinkAdd(hub, types.LinkUses, b))
	}))

	cs := e.NewChangeset()
	require.NoError(t, e.Services().SyncLinks(cs, hub, types.LinkUses, "Item", []types.Resource{b, c}))
	assert.Len(t, cs.LinkAdds(), 1)
	assert.Len(t, cs.LinkDeletes(), 1)
	require.NoError(t, e.Execute(context.Background(), cs))

	links, err := store.Links(hub.ID, types.LinkUses, "")
	require.NoError(t, err)
	var targets []string
	for _, l := range links {
		targets = append(targets, l.To)
	}
	assert.ElementsMatch(t, []string{b.ID, c.ID}, targets)
}
