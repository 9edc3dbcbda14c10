package bulk

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

const (
	// TagsFile and LinksFile sit at the root of a dump directory
	TagsFile  = "tags.txt"
	LinksFile = "links.txt"

	separator = ";"
)

// Dump is the single-file form of an exported graph
type Dump struct {
	Resources []Entry  `yaml:"resources"`
	Tags      []string `yaml:"tags,omitempty"`  // "type/pk;tag"
	Links     []string `yaml:"links,omitempty"` // "type/pk;LINK;type/pk"
}

// Entry is one resource of a dump
type Entry struct {
	Kind string                 `yaml:"kind"`
	Spec map[string]interface{} `yaml:"spec"`
}

// TagLine formats one line of tags.txt
func TagLine(key, tag string) string {
	return key + separator + tag
}

// LinkLine formats one line of links.txt
func LinkLine(from, linkType, to string) string {
	return from + separator + linkType + separator + to
}

// Exporter reads the whole graph of a store
type Exporter struct {
	store  storage.Store
	reg    *types.Registry
	logger zerolog.Logger
}

// NewExporter creates an exporter over store
func NewExporter(store storage.Store, reg *types.Registry) *Exporter {
	return &Exporter{store: store, reg: reg, logger: log.WithComponent("bulk")}
}

// exported is the graph keyed by "type/pk", ids removed
type exported struct {
	resources []types.Resource
	tags      []string
	links     []string
}

func (e *Exporter) collect() (*exported, error) {
	out := &exported{}
	keys := make(map[string]string)

	for _, resourceType := range e.reg.Types() {
		list, err := e.store.List(resourceType)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", resourceType, err)
		}
		for _, r := range list {
			key, err := e.reg.Key(r)
			if err != nil {
				return nil, err
			}
			id := r.Meta().ID
			keys[id] = key

			tags, err := e.store.Tags(id)
			if err != nil {
				return nil, fmt.Errorf("failed to read tags of %s: %w", key, err)
			}
			for _, tag := range tags {
				out.tags = append(out.tags, TagLine(key, tag))
			}

			r.Meta().ID = ""
			out.resources = append(out.resources, r)
		}
	}

	links, err := e.store.Links("", "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}
	for _, l := range links {
		from, okFrom := keys[l.From]
		to, okTo := keys[l.To]
		if !okFrom || !okTo {
			return nil, fmt.Errorf("%w: link %s from %s to %s", types.ErrNotFound, l.Type, l.From, l.To)
		}
		out.links = append(out.links, LinkLine(from, l.Type, to))
	}

	sort.Strings(out.tags)
	sort.Strings(out.links)
	return out, nil
}

// Dump returns the graph in its single-file form
func (e *Exporter) Dump() (*Dump, error) {
	g, err := e.collect()
	if err != nil {
		return nil, err
	}

	d := &Dump{Tags: g.tags, Links: g.links}
	for _, r := range g.resources {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.reg.MustKey(r), err)
		}
		var spec map[string]interface{}
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, err
		}
		d.Resources = append(d.Resources, Entry{Kind: r.ResourceType(), Spec: spec})
	}
	return d, nil
}

// splitKey splits "type/pk". Type names never contain a slash.
func splitKey(key string) (string, string, error) {
	resourceType, pk, ok := strings.Cut(key, "/")
	if !ok || resourceType == "" {
		return "", "", fmt.Errorf("invalid resource key %q", key)
	}
	return resourceType, pk, nil
}
