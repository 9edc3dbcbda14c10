package storage

import (
	"sort"

	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/types"
)

// Store defines the interface for resource graph storage.
// Implementations return copies; callers own what they receive.
type Store interface {
	// Resources
	Get(id string) (types.Resource, error)
	GetByPrimaryKey(resourceType, pk string) (types.Resource, error)
	Find(q *query.Query) ([]types.Resource, error)
	List(resourceType string) ([]types.Resource, error)

	// Links and tags. Empty arguments act as wildcards.
	Links(from, linkType, to string) ([]types.Link, error)
	Tags(id string) ([]string, error)

	// Apply commits a batch atomically: either every change is applied or
	// none is
	Apply(b *Batch) error

	// Runtime snapshot document
	LoadSnapshot() (*types.RuntimeSnapshot, error)
	SaveSnapshot(s *types.RuntimeSnapshot) error

	// Utility
	Close() error
}

// Batch is a resolved set of changes, expressed with internal ids only.
// Apply order: deletes, updates, adds, tag/link removals, tag/link additions.
type Batch struct {
	Deletes     []string
	Updates     []types.Resource
	Adds        []types.Resource
	TagDeletes  []types.Tag
	LinkDeletes []types.Link
	TagAdds     []types.Tag
	LinkAdds    []types.Link
}

// Empty reports whether the batch carries no change
func (b *Batch) Empty() bool {
	return len(b.Deletes) == 0 && len(b.Updates) == 0 && len(b.Adds) == 0 &&
		len(b.TagDeletes) == 0 && len(b.LinkDeletes) == 0 &&
		len(b.TagAdds) == 0 && len(b.LinkAdds) == 0
}

// sortResources orders resources by type then primary key so that listings
// are stable across backends
func sortResources(reg *types.Registry, resources []types.Resource) {
	keys := make(map[types.Resource]string, len(resources))
	for _, r := range resources {
		keys[r] = reg.MustKey(r)
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return keys[resources[i]] < keys[resources[j]]
	})
}

func pkIndexKey(resourceType, pk string) string {
	return resourceType + "\x00" + pk
}
