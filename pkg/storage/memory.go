package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/types"
)

type memEntry struct {
	resourceType string
	data         []byte
}

type memState struct {
	resources map[string]memEntry
	pks       map[string]string // type\x00pk -> id
	tags      map[string]map[string]bool
	links     map[types.Link]bool
}

func newMemState() *memState {
	return &memState{
		resources: make(map[string]memEntry),
		pks:       make(map[string]string),
		tags:      make(map[string]map[string]bool),
		links:     make(map[types.Link]bool),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		resources: make(map[string]memEntry, len(s.resources)),
		pks:       make(map[string]string, len(s.pks)),
		tags:      make(map[string]map[string]bool, len(s.tags)),
		links:     make(map[types.Link]bool, len(s.links)),
	}
	for k, v := range s.resources {
		c.resources[k] = v
	}
	for k, v := range s.pks {
		c.pks[k] = v
	}
	for id, set := range s.tags {
		copied := make(map[string]bool, len(set))
		for t := range set {
			copied[t] = true
		}
		c.tags[id] = copied
	}
	for l := range s.links {
		c.links[l] = true
	}
	return c
}

// MemoryStore implements Store with plain maps. Suitable for tests and
// small deployments; nothing survives a restart.
type MemoryStore struct {
	reg      *types.Registry
	mu       sync.RWMutex
	state    *memState
	snapshot []byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(reg *types.Registry) *MemoryStore {
	return &MemoryStore{
		reg:   reg,
		state: newMemState(),
	}
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) decode(e memEntry) (types.Resource, error) {
	return s.reg.Decode(e.resourceType, e.data)
}

// Get returns the resource with the given internal id
func (s *MemoryStore) Get(id string) (types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.state.resources[id]
	if !ok {
		return nil, types.NewResourceError(types.ErrNotFound, "", id, "")
	}
	return s.decode(e)
}

// GetByPrimaryKey returns the resource of the given type and primary key
func (s *MemoryStore) GetByPrimaryKey(resourceType, pk string) (types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.state.pks[pkIndexKey(resourceType, pk)]
	if !ok {
		return nil, types.NewResourceError(types.ErrNotFound, resourceType, pk, "")
	}
	return s.decode(s.state.resources[id])
}

// Find returns every resource matching q
func (s *MemoryStore) Find(q *query.Query) ([]types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []types.Resource
	for id, e := range s.state.resources {
		if !q.MatchesType(e.resourceType) {
			continue
		}
		r, err := s.decode(e)
		if err != nil {
			return nil, err
		}
		if q.Matches(s.reg, r, tagList(s.state.tags[id])) {
			result = append(result, r)
		}
	}
	sortResources(s.reg, result)
	return result, nil
}

// List returns every resource of exactly resourceType
func (s *MemoryStore) List(resourceType string) ([]types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []types.Resource
	for _, e := range s.state.resources {
		if e.resourceType != resourceType {
			continue
		}
		r, err := s.decode(e)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	sortResources(s.reg, result)
	return result, nil
}

// Links returns the links matching the non-empty arguments
func (s *MemoryStore) Links(from, linkType, to string) ([]types.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTxn{reg: s.reg, state: s.state}).links(from, linkType, to)
}

// Tags returns the tags of a resource, sorted
func (s *MemoryStore) Tags(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tagList(s.state.tags[id]), nil
}

// Apply commits b atomically. The batch is applied to a copy of the state
// which replaces the current one only when every change succeeded.
func (s *MemoryStore) Apply(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := applyBatch(s.reg, &memTxn{reg: s.reg, state: next}, b); err != nil {
		return err
	}
	s.state = next
	return nil
}

// LoadSnapshot returns the stored runtime snapshot, empty when none was saved
func (s *MemoryStore) LoadSnapshot() (*types.RuntimeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := types.NewRuntimeSnapshot()
	if s.snapshot == nil {
		return snap, nil
	}
	if err := json.Unmarshal(s.snapshot, snap); err != nil {
		return nil, fmt.Errorf("failed to decode runtime snapshot: %w", err)
	}
	snap.Normalize()
	return snap, nil
}

// SaveSnapshot replaces the stored runtime snapshot
func (s *MemoryStore) SaveSnapshot(snap *types.RuntimeSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode runtime snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = data
	return nil
}

type memTxn struct {
	reg   *types.Registry
	state *memState
}

func (t *memTxn) get(id string) (types.Resource, bool, error) {
	e, ok := t.state.resources[id]
	if !ok {
		return nil, false, nil
	}
	r, err := t.reg.Decode(e.resourceType, e.data)
	return r, err == nil, err
}

func (t *memTxn) lookupPK(resourceType, pk string) (string, bool, error) {
	id, ok := t.state.pks[pkIndexKey(resourceType, pk)]
	return id, ok, nil
}

func (t *memTxn) put(id string, r types.Resource, pk, previousPK string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", r.ResourceType(), err)
	}
	if previousPK != "" && previousPK != pk {
		delete(t.state.pks, pkIndexKey(r.ResourceType(), previousPK))
	}
	t.state.resources[id] = memEntry{resourceType: r.ResourceType(), data: data}
	t.state.pks[pkIndexKey(r.ResourceType(), pk)] = id
	return nil
}

func (t *memTxn) remove(id, resourceType, pk string) error {
	delete(t.state.resources, id)
	delete(t.state.pks, pkIndexKey(resourceType, pk))
	delete(t.state.tags, id)
	return nil
}

func (t *memTxn) links(from, linkType, to string) ([]types.Link, error) {
	var result []types.Link
	for l := range t.state.links {
		if from != "" && l.From != from {
			continue
		}
		if linkType != "" && l.Type != linkType {
			continue
		}
		if to != "" && l.To != to {
			continue
		}
		result = append(result, l)
	}
	sortLinks(result)
	return result, nil
}

func (t *memTxn) putLink(l types.Link) error {
	t.state.links[l] = true
	return nil
}

func (t *memTxn) removeLink(l types.Link) error {
	delete(t.state.links, l)
	return nil
}

func (t *memTxn) tags(id string) ([]string, error) {
	return tagList(t.state.tags[id]), nil
}

func (t *memTxn) putTag(tag types.Tag) error {
	set, ok := t.state.tags[tag.ResourceID]
	if !ok {
		set = make(map[string]bool)
		t.state.tags[tag.ResourceID] = set
	}
	set[tag.Name] = true
	return nil
}

func (t *memTxn) removeTag(tag types.Tag) error {
	if set, ok := t.state.tags[tag.ResourceID]; ok {
		delete(set, tag.Name)
	}
	return nil
}

func tagList(set map[string]bool) []string {
	result := make([]string, 0, len(set))
	for t := range set {
		result = append(result, t)
	}
	sort.Strings(result)
	return result
}

func sortLinks(links []types.Link) {
	sort.Slice(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.To < b.To
	})
}
