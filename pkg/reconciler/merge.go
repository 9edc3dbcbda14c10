package reconciler

import (
	"slices"
	"strings"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/types"
)

// MergeSorted compares desired with current and calls onAdd for every item
// only in desired and onRemove for every item only in current. Both slices
// are sorted with cmp first; duplicates count once.
func MergeSorted[T any](desired, current []T, cmp func(a, b T) int, onAdd, onRemove func(T) error) error {
	d := slices.Clone(desired)
	c := slices.Clone(current)
	slices.SortFunc(d, cmp)
	slices.SortFunc(c, cmp)
	d = slices.CompactFunc(d, func(a, b T) bool { return cmp(a, b) == 0 })
	c = slices.CompactFunc(c, func(a, b T) bool { return cmp(a, b) == 0 })

	i, j := 0, 0
	for i < len(d) && j < len(c) {
		switch order := cmp(d[i], c[j]); {
		case order == 0:
			i++
			j++
		case order < 0:
			if err := onAdd(d[i]); err != nil {
				return err
			}
			i++
		default:
			if err := onRemove(c[j]); err != nil {
				return err
			}
			j++
		}
	}
	for ; i < len(d); i++ {
		if err := onAdd(d[i]); err != nil {
			return err
		}
	}
	for ; j < len(c); j++ {
		if err := onRemove(c[j]); err != nil {
			return err
		}
	}
	return nil
}

// SyncLinks makes the linkType links from from towards resources of toType
// exactly match desired. Desired resources may still be pending adds.
func (s *Services) SyncLinks(cs *changes.Changeset, from types.Resource, linkType, toType string, desired []types.Resource) error {
	current, err := s.LinkedTo(from, linkType, toType)
	if err != nil {
		return err
	}
	byKey := func(a, b types.Resource) int {
		return strings.Compare(s.reg.MustKey(a), s.reg.MustKey(b))
	}
	return MergeSorted(desired, current, byKey,
		func(r types.Resource) error { return cs.LinkAdd(from, linkType, r) },
		func(r types.Resource) error { return cs.LinkDelete(from, linkType, r) },
	)
}
