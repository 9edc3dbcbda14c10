package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// Services is the read side of the engine handed to handlers. Reads see the
// last committed state only, never what is staged in a changeset.
type Services struct {
	store storage.Store
	reg   *types.Registry
	later func(time.Duration, LaterFunc)
}

// NewServices creates a read facade over store
func NewServices(store storage.Store, reg *types.Registry) *Services {
	return &Services{store: store, reg: reg}
}

// Registry returns the resource type registry
func (s *Services) Registry() *types.Registry {
	return s.reg
}

// Query starts a query over resourceType and its subtypes
func (s *Services) Query(resourceType string) *query.Builder {
	return query.New(s.reg, resourceType)
}

// FindByID returns the resource with the given internal id
func (s *Services) FindByID(id string) (types.Resource, error) {
	return s.store.Get(id)
}

// FindByPrimaryKey looks a resource up by its type and primary key
func (s *Services) FindByPrimaryKey(resourceType, pk string) (types.Resource, bool, error) {
	r, err := s.store.GetByPrimaryKey(resourceType, pk)
	if errors.Is(err, types.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// FindSame returns the committed resource sharing the primary key of r
func (s *Services) FindSame(r types.Resource) (types.Resource, bool, error) {
	pk, err := s.reg.PrimaryKey(r)
	if err != nil {
		return nil, false, err
	}
	return s.FindByPrimaryKey(r.ResourceType(), pk)
}

// FindAll returns every resource matching q
func (s *Services) FindAll(q *query.Query) ([]types.Resource, error) {
	return s.store.Find(q)
}

// FindOne returns the single resource matching q. found is false when
// nothing matched; more than one match is an error.
func (s *Services) FindOne(q *query.Query) (types.Resource, bool, error) {
	result, err := s.store.Find(q)
	if err != nil {
		return nil, false, err
	}
	switch len(result) {
	case 0:
		return nil, false, nil
	case 1:
		return result[0], true, nil
	}
	return nil, false, fmt.Errorf("%w: %d %s resources", types.ErrMultipleResults, len(result), q.ResourceType())
}

// Count returns the number of resources matching q
func (s *Services) Count(q *query.Query) (int, error) {
	result, err := s.store.Find(q)
	return len(result), err
}

// LinkedTo returns the resources of toType (and subtypes) that from links
// to with linkType. An empty toType accepts any type.
func (s *Services) LinkedTo(from types.Resource, linkType, toType string) ([]types.Resource, error) {
	id := from.Meta().ID
	if id == "" {
		return nil, nil
	}
	links, err := s.store.Links(id, linkType, "")
	if err != nil {
		return nil, err
	}
	return s.resolve(links, toType, func(l types.Link) string { return l.To })
}

// LinkedFrom returns the resources of fromType (and subtypes) linking to to
// with linkType. An empty fromType accepts any type.
func (s *Services) LinkedFrom(to types.Resource, linkType, fromType string) ([]types.Resource, error) {
	id := to.Meta().ID
	if id == "" {
		return nil, nil
	}
	links, err := s.store.Links("", linkType, id)
	if err != nil {
		return nil, err
	}
	return s.resolve(links, fromType, func(l types.Link) string { return l.From })
}

func (s *Services) resolve(links []types.Link, resourceType string, endpoint func(types.Link) string) ([]types.Resource, error) {
	accepted := make(map[string]bool)
	if resourceType != "" {
		for _, t := range s.reg.Subtypes(resourceType) {
			accepted[t] = true
		}
	}

	var result []types.Resource
	for _, l := range links {
		r, err := s.store.Get(endpoint(l))
		if err != nil {
			return nil, err
		}
		if resourceType != "" && !accepted[r.ResourceType()] {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

// Links returns the committed links matching the non-empty arguments
func (s *Services) Links(from, linkType, to string) ([]types.Link, error) {
	return s.store.Links(from, linkType, to)
}

// Tags returns the committed tags of r
func (s *Services) Tags(r types.Resource) ([]string, error) {
	if r.Meta().ID == "" {
		return nil, nil
	}
	return s.store.Tags(r.Meta().ID)
}

// Later schedules fn as a one-shot delayed task. It is a no-op when the
// services are not attached to an engine.
func (s *Services) Later(delay time.Duration, fn LaterFunc) {
	if s.later != nil {
		s.later(delay, fn)
	}
}
