// Package changes stages additions, updates and deletions of resources, tags
// and links before they are committed as one unit.
package changes

import (
	"fmt"

	"github.com/cuemby/converge/pkg/types"
)

// Update is a staged replacement of a persisted resource
type Update struct {
	ID       string
	Resource types.Resource
}

// Delete is a staged removal. Resource is nil when only the id is known.
type Delete struct {
	ID       string
	Resource types.Resource
}

// TagChange is a staged tag addition or removal
type TagChange struct {
	Resource types.Resource
	Tag      string
}

// LinkChange is a staged link addition or removal
type LinkChange struct {
	From     types.Resource
	LinkType string
	To       types.Resource
}

// Changeset is a batch of graph mutations that has not been committed yet.
// It is created empty for one unit of work, mutated only through its
// methods, committed once by the engine and never reused afterwards.
type Changeset struct {
	reg *types.Registry

	adds        []types.Resource
	updates     []Update
	deletes     []Delete
	tagAdds     []TagChange
	tagDeletes  []TagChange
	linkAdds    []LinkChange
	linkDeletes []LinkChange

	committed bool
}

// New creates an empty changeset
func New(reg *types.Registry) *Changeset {
	return &Changeset{reg: reg}
}

// Registry returns the type registry used for primary keys
func (c *Changeset) Registry() *types.Registry {
	return c.reg
}

func (c *Changeset) writable() error {
	if c.committed {
		return types.ErrChangesetCommitted
	}
	return nil
}

// MarkCommitted seals the changeset; further mutations fail
func (c *Changeset) MarkCommitted() error {
	if c.committed {
		return types.ErrChangesetCommitted
	}
	c.committed = true
	return nil
}

// Committed reports whether the changeset was already committed
func (c *Changeset) Committed() bool {
	return c.committed
}

// sameKey reports whether a and b are the same logical resource
func (c *Changeset) sameKey(a, b types.Resource) bool {
	if a == nil || b == nil || a.ResourceType() != b.ResourceType() {
		return false
	}
	ka, errA := c.reg.PrimaryKey(a)
	kb, errB := c.reg.PrimaryKey(b)
	return errA == nil && errB == nil && ka == kb
}

// refKey identifies a resource inside the changeset for tag/link matching
func (c *Changeset) refKey(r types.Resource) string {
	return c.reg.MustKey(r)
}

// ResourceAdd stages a new resource. It fails when the primary key is
// already used by a pending add, update or delete.
func (c *Changeset) ResourceAdd(r types.Resource) error {
	if err := c.writable(); err != nil {
		return err
	}
	key, err := c.reg.Key(r)
	if err != nil {
		return err
	}

	for _, a := range c.adds {
		if c.sameKey(a, r) {
			return types.NewResourceError(types.ErrPrimaryKeyCollision, r.ResourceType(), key, "already staged for add")
		}
	}
	for _, u := range c.updates {
		if c.sameKey(u.Resource, r) {
			return types.NewResourceError(types.ErrPrimaryKeyCollision, r.ResourceType(), key, "pending update of %s", u.ID)
		}
	}
	for _, d := range c.deletes {
		if c.sameKey(d.Resource, r) {
			return types.NewResourceError(types.ErrPrimaryKeyCollision, r.ResourceType(), key, "pending delete of %s", d.ID)
		}
	}

	c.adds = append(c.adds, r)
	return nil
}

// ResourceUpdate stages next as the new value of the persisted resource id.
// A later update of the same id replaces the earlier one.
func (c *Changeset) ResourceUpdate(id string, next types.Resource) error {
	if err := c.writable(); err != nil {
		return err
	}
	if id == "" {
		return types.NewResourceError(types.ErrIllegalUpdate, next.ResourceType(), c.reg.MustKey(next), "update without id")
	}
	for _, d := range c.deletes {
		if d.ID == id {
			return types.NewResourceError(types.ErrIllegalUpdate, next.ResourceType(), c.reg.MustKey(next), "id %s is pending deletion", id)
		}
	}

	next.Meta().ID = id
	for i, u := range c.updates {
		if u.ID == id {
			c.updates[i].Resource = next
			return nil
		}
	}
	c.updates = append(c.updates, Update{ID: id, Resource: next})
	return nil
}

// ResourceDelete stages the deletion of a persisted resource and drops any
// pending add or update of the same logical resource
func (c *Changeset) ResourceDelete(r types.Resource) error {
	if err := c.writable(); err != nil {
		return err
	}
	id := r.Meta().ID
	if id == "" {
		return types.NewResourceError(types.ErrNotFromRepository, r.ResourceType(), c.reg.MustKey(r), "cannot delete a transient resource")
	}

	adds := c.adds[:0]
	for _, a := range c.adds {
		if !c.sameKey(a, r) {
			adds = append(adds, a)
		}
	}
	c.adds = adds

	c.dropUpdates(func(u Update) bool {
		return u.ID == id || c.sameKey(u.Resource, r)
	})
	c.appendDelete(Delete{ID: id, Resource: r})
	return nil
}

// ResourceDeleteByID stages the deletion of a persisted resource known only
// by its id
func (c *Changeset) ResourceDeleteByID(id string) error {
	if err := c.writable(); err != nil {
		return err
	}
	if id == "" {
		return types.NewResourceError(types.ErrIllegalUpdate, "", "", "delete without id")
	}
	c.dropUpdates(func(u Update) bool { return u.ID == id })
	c.appendDelete(Delete{ID: id})
	return nil
}

func (c *Changeset) dropUpdates(match func(Update) bool) {
	updates := c.updates[:0]
	for _, u := range c.updates {
		if !match(u) {
			updates = append(updates, u)
		}
	}
	c.updates = updates
}

func (c *Changeset) appendDelete(d Delete) {
	for i, existing := range c.deletes {
		if existing.ID == d.ID {
			if existing.Resource == nil {
				c.deletes[i].Resource = d.Resource
			}
			return
		}
	}
	c.deletes = append(c.deletes, d)
}

// ResourceReplace swaps a pending add or update for replacement, keeping the
// staged slot. Used when a reconciler refreshes a resource staged earlier in
// the same batch.
func (c *Changeset) ResourceReplace(pending, replacement types.Resource) error {
	if err := c.writable(); err != nil {
		return err
	}
	for i, a := range c.adds {
		if a == pending {
			c.adds[i] = replacement
			return nil
		}
	}
	for i, u := range c.updates {
		if u.Resource == pending {
			replacement.Meta().ID = u.ID
			c.updates[i].Resource = replacement
			return nil
		}
	}
	return fmt.Errorf("%s is not staged in this changeset", c.reg.MustKey(pending))
}

// TagAdd stages a tag. A pending removal of the same pair is cancelled
// instead.
func (c *Changeset) TagAdd(r types.Resource, tag string) error {
	if err := c.writable(); err != nil {
		return err
	}
	tc := TagChange{Resource: r, Tag: tag}
	if c.hasTag(c.tagDeletes, tc) {
		c.tagDeletes = c.removeTag(c.tagDeletes, tc)
		return nil
	}
	if !c.hasTag(c.tagAdds, tc) {
		c.tagAdds = append(c.tagAdds, tc)
	}
	return nil
}

// TagDelete stages a tag removal. A pending addition of the same pair is
// cancelled instead.
func (c *Changeset) TagDelete(r types.Resource, tag string) error {
	if err := c.writable(); err != nil {
		return err
	}
	tc := TagChange{Resource: r, Tag: tag}
	if c.hasTag(c.tagAdds, tc) {
		c.tagAdds = c.removeTag(c.tagAdds, tc)
		return nil
	}
	if !c.hasTag(c.tagDeletes, tc) {
		c.tagDeletes = append(c.tagDeletes, tc)
	}
	return nil
}

func (c *Changeset) tagEqual(a, b TagChange) bool {
	return a.Tag == b.Tag && c.refKey(a.Resource) == c.refKey(b.Resource)
}

func (c *Changeset) hasTag(list []TagChange, tc TagChange) bool {
	for _, t := range list {
		if c.tagEqual(t, tc) {
			return true
		}
	}
	return false
}

func (c *Changeset) removeTag(list []TagChange, tc TagChange) []TagChange {
	result := list[:0]
	for _, t := range list {
		if !c.tagEqual(t, tc) {
			result = append(result, t)
		}
	}
	return result
}

// LinkAdd stages a link. A pending removal of the same triple is
// cancelled instead.
func (c *Changeset) LinkAdd(from types.Resource, linkType string, to types.Resource) error {
	if err := c.writable(); err != nil {
		return err
	}
	lc := LinkChange{From: from, LinkType: linkType, To: to}
	if c.hasLink(c.linkDeletes, lc) {
		c.linkDeletes = c.removeLink(c.linkDeletes, lc)
		return nil
	}
	if !c.hasLink(c.linkAdds, lc) {
		c.linkAdds = append(c.linkAdds, lc)
	}
	return nil
}

// LinkDelete stages a link removal. A pending addition of the same triple
// is cancelled instead.
func (c *Changeset) LinkDelete(from types.Resource, linkType string, to types.Resource) error {
	if err := c.writable(); err != nil {
		return err
	}
	lc := LinkChange{From: from, LinkType: linkType, To: to}
	if c.hasLink(c.linkAdds, lc) {
		c.linkAdds = c.removeLink(c.linkAdds, lc)
		return nil
	}
	if !c.hasLink(c.linkDeletes, lc) {
		c.linkDeletes = append(c.linkDeletes, lc)
	}
	return nil
}

func (c *Changeset) linkEqual(a, b LinkChange) bool {
	return a.LinkType == b.LinkType &&
		c.refKey(a.From) == c.refKey(b.From) &&
		c.refKey(a.To) == c.refKey(b.To)
}

func (c *Changeset) hasLink(list []LinkChange, lc LinkChange) bool {
	for _, l := range list {
		if c.linkEqual(l, lc) {
			return true
		}
	}
	return false
}

func (c *Changeset) removeLink(list []LinkChange, lc LinkChange) []LinkChange {
	result := list[:0]
	for _, l := range list {
		if !c.linkEqual(l, lc) {
			result = append(result, l)
		}
	}
	return result
}

// HasChanges reports whether anything is staged
func (c *Changeset) HasChanges() bool {
	return len(c.adds) > 0 || len(c.updates) > 0 || len(c.deletes) > 0 ||
		len(c.tagAdds) > 0 || len(c.tagDeletes) > 0 ||
		len(c.linkAdds) > 0 || len(c.linkDeletes) > 0
}

// FindPendingAdd returns the staged add with the given type and primary key
func (c *Changeset) FindPendingAdd(resourceType, pk string) (types.Resource, bool) {
	for _, a := range c.adds {
		if a.ResourceType() != resourceType {
			continue
		}
		if k, err := c.reg.PrimaryKey(a); err == nil && k == pk {
			return a, true
		}
	}
	return nil, false
}

// FindPendingUpdate returns the staged update value with the given type and
// primary key
func (c *Changeset) FindPendingUpdate(resourceType, pk string) (types.Resource, bool) {
	for _, u := range c.updates {
		if u.Resource.ResourceType() != resourceType {
			continue
		}
		if k, err := c.reg.PrimaryKey(u.Resource); err == nil && k == pk {
			return u.Resource, true
		}
	}
	return nil, false
}

// IsPendingDelete reports whether id is staged for deletion
func (c *Changeset) IsPendingDelete(id string) bool {
	for _, d := range c.deletes {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Adds returns a copy of the staged additions
func (c *Changeset) Adds() []types.Resource {
	return append([]types.Resource(nil), c.adds...)
}

// Updates returns a copy of the staged updates
func (c *Changeset) Updates() []Update {
	return append([]Update(nil), c.updates...)
}

// Deletes returns a copy of the staged deletions
func (c *Changeset) Deletes() []Delete {
	return append([]Delete(nil), c.deletes...)
}

// TagAdds returns a copy of the staged tag additions
func (c *Changeset) TagAdds() []TagChange {
	return append([]TagChange(nil), c.tagAdds...)
}

// TagDeletes returns a copy of the staged tag removals
func (c *Changeset) TagDeletes() []TagChange {
	return append([]TagChange(nil), c.tagDeletes...)
}

// LinkAdds returns a copy of the staged link additions
func (c *Changeset) LinkAdds() []LinkChange {
	return append([]LinkChange(nil), c.linkAdds...)
}

// LinkDeletes returns a copy of the staged link removals
func (c *Changeset) LinkDeletes() []LinkChange {
	return append([]LinkChange(nil), c.linkDeletes...)
}

// String summarizes the staged changes for logging
func (c *Changeset) String() string {
	return fmt.Sprintf("adds=%d updates=%d deletes=%d tags=+%d/-%d links=+%d/-%d",
		len(c.adds), len(c.updates), len(c.deletes),
		len(c.tagAdds), len(c.tagDeletes), len(c.linkAdds), len(c.linkDeletes))
}
