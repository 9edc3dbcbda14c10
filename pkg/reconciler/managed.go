package reconciler

import (
	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/types"
)

// ManageOptions tunes Manage
type ManageOptions struct {
	// UpdateContent rewrites existing managed resources whose attributes
	// differ from the needed version
	UpdateContent bool
}

// Manage makes owner the manager of exactly the needed resources among
// managedTypes. Needed resources are reused from the changeset or the store
// when their primary key exists, created otherwise, and linked with MANAGES.
// Previously managed resources that are no longer needed are unlinked and,
// when nobody else manages them and nobody edited them, deleted.
func (s *Services) Manage(cs *changes.Changeset, owner types.Resource, needed []types.Resource, managedTypes []string, opts ManageOptions) error {
	ownerID := owner.Meta().ID
	ownerKey, err := s.reg.Key(owner)
	if err != nil {
		return err
	}
	neededKeys := make(map[string]bool, len(needed))

	for _, want := range needed {
		key, err := s.reg.Key(want)
		if err != nil {
			return err
		}
		if neededKeys[key] {
			continue
		}
		neededKeys[key] = true

		current, err := s.findOrAdd(cs, want, opts)
		if err != nil {
			return err
		}

		alreadyManaged := false
		if id := current.Meta().ID; id != "" {
			managers, err := s.store.Links("", types.LinkManages, id)
			if err != nil {
				return err
			}
			switch {
			case len(managers) > 1:
				return types.NewResourceError(types.ErrIllegalUpdate, current.ResourceType(), key,
					"managed by %d resources", len(managers))
			case len(managers) == 1 && managers[0].From != ownerID:
				manager := managers[0].From
				if r, err := s.store.Get(manager); err == nil {
					manager = s.reg.MustKey(r)
				}
				return types.NewResourceError(types.ErrIllegalUpdate, current.ResourceType(), key,
					"already managed by %s", manager)
			case len(managers) == 1:
				alreadyManaged = true
			}
		}
		if !alreadyManaged {
			manager, err := s.pendingManager(cs, key)
			if err != nil {
				return err
			}
			switch manager {
			case "":
			case ownerKey:
				alreadyManaged = true
			default:
				return types.NewResourceError(types.ErrIllegalUpdate, current.ResourceType(), key,
					"already managed by %s", manager)
			}
		}
		if !alreadyManaged {
			if err := cs.LinkAdd(owner, types.LinkManages, current); err != nil {
				return err
			}
		}
	}

	if ownerID == "" {
		return nil
	}

	accepted := make(map[string]bool)
	for _, t := range managedTypes {
		for _, sub := range s.reg.Subtypes(t) {
			accepted[sub] = true
		}
	}

	links, err := s.store.Links(ownerID, types.LinkManages, "")
	if err != nil {
		return err
	}
	for _, l := range links {
		r, err := s.store.Get(l.To)
		if err != nil {
			return err
		}
		if !accepted[r.ResourceType()] || neededKeys[s.reg.MustKey(r)] {
			continue
		}
		if err := cs.LinkDelete(owner, types.LinkManages, r); err != nil {
			return err
		}

		managers, err := s.store.Links("", types.LinkManages, l.To)
		if err != nil {
			return err
		}
		others := 0
		for _, m := range managers {
			if m.From != ownerID {
				others++
			}
		}
		if others == 0 && r.Meta().Editor == "" && !cs.IsPendingDelete(l.To) {
			if err := cs.ResourceDelete(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// pendingManager returns the key of the owner of a MANAGES link to key
// staged on cs, or an empty string.
func (s *Services) pendingManager(cs *changes.Changeset, key string) (string, error) {
	for _, l := range cs.LinkAdds() {
		if l.LinkType != types.LinkManages {
			continue
		}
		to, err := s.reg.Key(l.To)
		if err != nil {
			return "", err
		}
		if to == key {
			return s.reg.Key(l.From)
		}
	}
	return "", nil
}

// findOrAdd returns the resource sharing the primary key of want, looking at
// pending adds, then pending updates, then the store. want is staged for add
// when none exists.
func (s *Services) findOrAdd(cs *changes.Changeset, want types.Resource, opts ManageOptions) (types.Resource, error) {
	pk, err := s.reg.PrimaryKey(want)
	if err != nil {
		return nil, err
	}

	staged := true
	current, found := cs.FindPendingAdd(want.ResourceType(), pk)
	if !found {
		current, found = cs.FindPendingUpdate(want.ResourceType(), pk)
	}
	if !found {
		staged = false
		current, found, err = s.FindByPrimaryKey(want.ResourceType(), pk)
		if err != nil {
			return nil, err
		}
	}

	if !found {
		if err := cs.ResourceAdd(want); err != nil {
			return nil, err
		}
		return want, nil
	}

	if !opts.UpdateContent {
		return current, nil
	}
	same, err := s.reg.SameContent(current, want)
	if err != nil {
		return nil, err
	}
	if same {
		return current, nil
	}

	replacement, err := s.reg.Clone(want)
	if err != nil {
		return nil, err
	}
	*replacement.Meta() = *current.Meta()
	if staged {
		err = cs.ResourceReplace(current, replacement)
	} else {
		err = cs.ResourceUpdate(current.Meta().ID, replacement)
	}
	if err != nil {
		return nil, err
	}
	return replacement, nil
}
