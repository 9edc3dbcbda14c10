/*
Package types defines the core data structures of the converge resource graph.

Every other package builds on the types declared here: resources and their
metadata, links and tags, resource descriptors, the type registry, the
runtime snapshot written by the orchestrator and the sentinel errors shared
by the whole module.

# Architecture

The graph is made of typed resources connected by directed links:

	┌──────────────┐  INSTALLED_ON  ┌──────────────┐
	│ Application  │───────────────▶│   Machine    │
	│  name=web    │                │  name=m1     │
	└──────┬───────┘                └──────┬───────┘
	       │ MANAGES                       │ MANAGES
	       ▼                               ▼
	┌──────────────┐                ┌──────────────┐
	│   Domain     │                │   DnsEntry   │
	│ web.example  │                │ m1 A 10.0.0.5│
	└──────────────┘                └──────────────┘

Resources are plain structs embedding ResourceMeta. The repository side of a
resource (its internal id and editor) lives in ResourceMeta; everything else
is content. Two resources are the same when their content is equal,
regardless of ids.

# Descriptors and the Registry

A Descriptor is the compile-time description of one resource type: its name,
an optional parent type, a constructor, the primary key attributes and the
searchable attributes with typed getters. The store and the query engine use
descriptors instead of reflection.

	reg := types.NewRegistry()
	reg.MustRegister(&types.Descriptor{
		Type:       "Machine",
		New:        func() types.Resource { return &Machine{} },
		PrimaryKey: []string{"name"},
		Attributes: []types.Attribute{
			{Name: "name", Kind: types.AttrString, Get: ...},
		},
	})

Keys:

  - PrimaryKey: the primary key values joined with "|", unique within a type
  - Key: "type/primaryKey", unique across the graph
  - Subtypes: a type followed by every registered descendant, used by
    queries on a parent type

# Runtime snapshot

RuntimeSnapshot records what the orchestrator achieved on the container
runtime: the running and failed applications with the three hashes they
reached, assigned IPs, cron schedules and port redirects. It is replaced as
a whole at the end of every orchestration cycle.

# Errors

Sentinel errors discriminate failures. ResourceError attaches the offending
resource key and unwraps to its sentinel, so callers use errors.Is:

	if errors.Is(err, types.ErrPrimaryKeyCollision) {
		// another resource of the same type has this key
	}
*/
package types
