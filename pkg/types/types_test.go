package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ResourceMeta
	Zone  string   `json:"zone"`
	Name  string   `json:"name"`
	Items []string `json:"items,omitempty"`
}

func (*record) ResourceType() string { return "Record" }

type special struct {
	record
}

func (*special) ResourceType() string { return "Special" }

func recordDescriptor(name, parent string, ctor func() Resource) *Descriptor {
	rec := func(r Resource) *record {
		if s, ok := r.(*special); ok {
			return &s.record
		}
		return r.(*record)
	}
	return &Descriptor{
		Type:       name,
		Parent:     parent,
		New:        ctor,
		PrimaryKey: []string{"zone", "name"},
		Attributes: []Attribute{
			{Name: "zone", Kind: AttrString, Get: func(r Resource) any { return rec(r).Zone }},
			{Name: "name", Kind: AttrString, Get: func(r Resource) any { return rec(r).Name }},
			{Name: "items", Kind: AttrSet, Get: func(r Resource) any { return rec(r).Items }},
		},
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(recordDescriptor("Record", "", func() Resource { return &record{} })))
	require.NoError(t, reg.Register(recordDescriptor("Special", "Record", func() Resource { return &special{} })))
	return reg
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		desc *Descriptor
	}{
		{"missing type", &Descriptor{New: func() Resource { return &record{} }, PrimaryKey: []string{"name"}}},
		{"missing constructor", &Descriptor{Type: "X", PrimaryKey: []string{"name"}}},
		{"missing primary key", &Descriptor{Type: "X", New: func() Resource { return &record{} }}},
		{"undeclared primary key", &Descriptor{Type: "X", New: func() Resource { return &record{} }, PrimaryKey: []string{"name"}}},
		{"duplicate", recordDescriptor("Record", "", func() Resource { return &record{} })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry(t)
			assert.Error(t, reg.Register(tt.desc))
		})
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := testRegistry(t)

	assert.Equal(t, []string{"Record", "Special"}, reg.Types())
	assert.Equal(t, []string{"Record", "Special"}, reg.Subtypes("Record"))
	assert.Equal(t, []string{"Special"}, reg.Subtypes("Special"))

	_, err := reg.Descriptor("Unknown")
	assert.ErrorIs(t, err, ErrUnknownType)

	r := &record{Zone: "eu", Name: "db"}
	pk, err := reg.PrimaryKey(r)
	require.NoError(t, err)
	assert.Equal(t, "eu|db", pk)

	key, err := reg.Key(r)
	require.NoError(t, err)
	assert.Equal(t, "Record/eu|db", key)
	assert.Equal(t, "Special/us|web", reg.MustKey(&special{record{Zone: "us", Name: "web"}}))
}

func TestCloneAndSameContent(t *testing.T) {
	reg := testRegistry(t)

	a := &record{Zone: "eu", Name: "db", Items: []string{"x"}}
	a.ID = "id-1"
	a.Editor = "alice"

	clone, err := reg.Clone(a)
	require.NoError(t, err)
	c := clone.(*record)
	assert.Equal(t, a, c)

	c.Items[0] = "y"
	assert.Equal(t, "x", a.Items[0])

	// Metadata is not content
	b := &record{Zone: "eu", Name: "db", Items: []string{"x"}}
	same, err := reg.SameContent(a, b)
	require.NoError(t, err)
	assert.True(t, same)

	b.Items = append(b.Items, "z")
	same, err = reg.SameContent(a, b)
	require.NoError(t, err)
	assert.False(t, same)

	same, err = reg.SameContent(a, &special{record{Zone: "eu", Name: "db", Items: []string{"x"}}})
	require.NoError(t, err)
	assert.False(t, same)
}

func TestDecode(t *testing.T) {
	reg := testRegistry(t)

	r, err := reg.Decode("Special", []byte(`{"id":"s1","zone":"eu","name":"cache"}`))
	require.NoError(t, err)
	assert.Equal(t, "Special", r.ResourceType())
	assert.Equal(t, "s1", r.Meta().ID)

	_, err = reg.Decode("Record", []byte(`{`))
	assert.Error(t, err)
	_, err = reg.Decode("Nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.FixedZone("X", 3600))

	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"a", "a"},
		{42, "42"},
		{int64(-7), "-7"},
		{1.5, "1.5"},
		{true, "true"},
		{ts, "2026-02-03T03:05:06Z"},
		{time.Time{}, ""},
		{[]string{"b", "a"}, "a,b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in), "%#v", tt.in)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{NewResourceError(ErrPrimaryKeyCollision, "Record", "eu|db", "dup"), "primary-key-collision"},
		{fmt.Errorf("wrapped: %w", NewResourceError(ErrIllegalUpdate, "Record", "eu|db", "")), "illegal-update"},
		{ErrNotFound, "resource-not-found"},
		{ErrNotFromRepository, "not-from-repository"},
		{fmt.Errorf("build: %w", ErrCommandFailed), "external-command-failure"},
		{ErrReconcileLimit, "reconcile-limit"},
		{fmt.Errorf("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

func TestResourceErrorMessage(t *testing.T) {
	err := NewResourceError(ErrPrimaryKeyCollision, "Record", "eu|db", "already staged")
	assert.Equal(t, "primary key collision: Record/eu|db: already staged", err.Error())

	err = NewResourceError(ErrIllegalUpdate, "Record", "Record/eu|db", "")
	assert.Equal(t, "illegal update: Record/eu|db", err.Error())

	err = NewResourceError(ErrNotFound, "", "id-9", "")
	assert.Equal(t, "resource not found: id-9", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuntimeSnapshotState(t *testing.T) {
	snap := NewRuntimeSnapshot()
	snap.Running["web"] = &ContainerState{}
	snap.Running["backup"] = &ContainerState{}
	snap.Cron["backup"] = "0 3 * * *"
	snap.Failed["api"] = &ContainerState{Error: "build failed"}

	assert.Equal(t, StateRunning, snap.State("web"))
	assert.Equal(t, StateCronScheduled, snap.State("backup"))
	assert.Equal(t, StateFailed, snap.State("api"))
	assert.Equal(t, StateUnknown, snap.State("other"))

	decoded := &RuntimeSnapshot{}
	decoded.Normalize()
	assert.NotNil(t, decoded.Running)
	assert.NotNil(t, decoded.Failed)
	assert.NotNil(t, decoded.IPs)
	assert.NotNil(t, decoded.Cron)
}
