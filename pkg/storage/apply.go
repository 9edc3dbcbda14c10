package storage

import (
	"github.com/cuemby/converge/pkg/types"
)

// txn is the primitive write surface both backends expose inside one
// atomic transaction
type txn interface {
	get(id string) (types.Resource, bool, error)
	lookupPK(resourceType, pk string) (string, bool, error)
	put(id string, r types.Resource, pk, previousPK string) error
	remove(id, resourceType, pk string) error

	links(from, linkType, to string) ([]types.Link, error)
	putLink(l types.Link) error
	removeLink(l types.Link) error

	tags(id string) ([]string, error)
	putTag(t types.Tag) error
	removeTag(t types.Tag) error
}

// applyBatch validates and applies b through tx. The caller discards the
// transaction when an error is returned.
func applyBatch(reg *types.Registry, tx txn, b *Batch) error {
	for _, id := range b.Deletes {
		if err := applyDelete(reg, tx, id); err != nil {
			return err
		}
	}

	for _, r := range b.Updates {
		if err := applyUpdate(reg, tx, r); err != nil {
			return err
		}
	}

	for _, r := range b.Adds {
		if err := applyAdd(reg, tx, r); err != nil {
			return err
		}
	}

	for _, t := range b.TagDeletes {
		if err := tx.removeTag(t); err != nil {
			return err
		}
	}
	for _, l := range b.LinkDeletes {
		if err := tx.removeLink(l); err != nil {
			return err
		}
	}

	for _, t := range b.TagAdds {
		if _, ok, err := tx.get(t.ResourceID); err != nil {
			return err
		} else if !ok {
			return types.NewResourceError(types.ErrIllegalUpdate, "", t.ResourceID, "cannot tag unknown resource with %q", t.Name)
		}
		if err := tx.putTag(t); err != nil {
			return err
		}
	}
	for _, l := range b.LinkAdds {
		for _, id := range []string{l.From, l.To} {
			if _, ok, err := tx.get(id); err != nil {
				return err
			} else if !ok {
				return types.NewResourceError(types.ErrIllegalUpdate, "", id, "cannot link unknown resource (%s)", l.Type)
			}
		}
		if err := tx.putLink(l); err != nil {
			return err
		}
	}

	return nil
}

func applyDelete(reg *types.Registry, tx txn, id string) error {
	existing, ok, err := tx.get(id)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewResourceError(types.ErrIllegalUpdate, "", id, "delete of unknown id")
	}
	pk, err := reg.PrimaryKey(existing)
	if err != nil {
		return err
	}

	// Cascade links in both directions and tags
	out, err := tx.links(id, "", "")
	if err != nil {
		return err
	}
	in, err := tx.links("", "", id)
	if err != nil {
		return err
	}
	for _, l := range append(out, in...) {
		if err := tx.removeLink(l); err != nil {
			return err
		}
	}
	tags, err := tx.tags(id)
	if err != nil {
		return err
	}
	for _, name := range tags {
		if err := tx.removeTag(types.Tag{ResourceID: id, Name: name}); err != nil {
			return err
		}
	}

	return tx.remove(id, existing.ResourceType(), pk)
}

func applyUpdate(reg *types.Registry, tx txn, r types.Resource) error {
	id := r.Meta().ID
	if id == "" {
		return types.NewResourceError(types.ErrNotFromRepository, r.ResourceType(), reg.MustKey(r), "update without id")
	}
	existing, ok, err := tx.get(id)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewResourceError(types.ErrIllegalUpdate, r.ResourceType(), reg.MustKey(r), "update of unknown id %s", id)
	}
	if existing.ResourceType() != r.ResourceType() {
		return types.NewResourceError(types.ErrIllegalUpdate, r.ResourceType(), reg.MustKey(r),
			"id %s belongs to a %s", id, existing.ResourceType())
	}

	oldPK, err := reg.PrimaryKey(existing)
	if err != nil {
		return err
	}
	newPK, err := reg.PrimaryKey(r)
	if err != nil {
		return err
	}
	if newPK != oldPK {
		other, found, err := tx.lookupPK(r.ResourceType(), newPK)
		if err != nil {
			return err
		}
		if found && other != id {
			return types.NewResourceError(types.ErrPrimaryKeyCollision, r.ResourceType(), newPK, "update collides with %s", other)
		}
	}
	return tx.put(id, r, newPK, oldPK)
}

func applyAdd(reg *types.Registry, tx txn, r types.Resource) error {
	id := r.Meta().ID
	if id == "" {
		return types.NewResourceError(types.ErrIllegalUpdate, r.ResourceType(), reg.MustKey(r), "add without assigned id")
	}
	if _, exists, err := tx.get(id); err != nil {
		return err
	} else if exists {
		return types.NewResourceError(types.ErrIllegalUpdate, r.ResourceType(), reg.MustKey(r), "id %s already in use", id)
	}

	pk, err := reg.PrimaryKey(r)
	if err != nil {
		return err
	}
	if _, found, err := tx.lookupPK(r.ResourceType(), pk); err != nil {
		return err
	} else if found {
		return types.NewResourceError(types.ErrPrimaryKeyCollision, r.ResourceType(), pk, "resource already exists")
	}
	return tx.put(id, r, pk, "")
}
