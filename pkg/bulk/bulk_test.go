package bulk

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/converge/pkg/reconciler"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

type zone struct {
	types.ResourceMeta
	Name string `json:"name"`
}

func (*zone) ResourceType() string { return "Zone" }

type record struct {
	types.ResourceMeta
	Zone   string            `json:"zone"`
	Name   string            `json:"name"`
	Value  string            `json:"value"`
	TTL    int64             `json:"ttl,omitempty"`
	Ports  map[int]int       `json:"ports,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (*record) ResourceType() string { return "Record" }

func testRegistry() *types.Registry {
	reg := types.NewRegistry()
	reg.MustRegister(&types.Descriptor{
		Type:       "Zone",
		New:        func() types.Resource { return &zone{} },
		PrimaryKey: []string{"name"},
		Attributes: []types.Attribute{
			{Name: "name", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*zone).Name }},
		},
	})
	reg.MustRegister(&types.Descriptor{
		Type:       "Record",
		New:        func() types.Resource { return &record{} },
		PrimaryKey: []string{"zone", "name"},
		Attributes: []types.Attribute{
			{Name: "zone", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*record).Zone }},
			{Name: "name", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*record).Name }},
			{Name: "value", Kind: types.AttrString, Get: func(r types.Resource) any { return r.(*record).Value }},
		},
	})
	return reg
}

func newEngine(t *testing.T) (*reconciler.Engine, storage.Store, *types.Registry) {
	t.Helper()
	reg := testRegistry()
	store := storage.NewMemoryStore(reg)
	e := reconciler.NewEngine(store, reg, reconciler.Config{})
	t.Cleanup(e.Stop)
	return e, store, reg
}

// seed builds a small graph. One primary key contains the separator.
func seed(t *testing.T, e *reconciler.Engine) {
	t.Helper()
	eu := &zone{Name: "eu"}
	us := &zone{Name: "us"}
	www := &record{Zone: "eu", Name: "www", Value: "10.0.0.1", TTL: 300, Ports: map[int]int{8080: 80}}
	spf := &record{Zone: "eu", Name: "txt;spf", Value: "v=spf1 -all", Labels: map[string]string{"owner": "mail"}}

	cs := e.NewChangeset()
	for _, r := range []types.Resource{eu, us, www, spf} {
		require.NoError(t, cs.ResourceAdd(r))
	}
	require.NoError(t, cs.TagAdd(eu, "prod"))
	require.NoError(t, cs.TagAdd(spf, "mail"))
	require.NoError(t, cs.LinkAdd(www, types.LinkUses, eu))
	require.NoError(t, cs.LinkAdd(spf, types.LinkUses, eu))
	require.NoError(t, cs.LinkAdd(us, types.LinkPointsTo, eu))
	require.NoError(t, e.Execute(context.Background(), cs))
}

func TestDump(t *testing.T) {
	e, store, reg := newEngine(t)
	seed(t, e)

	d, err := NewExporter(store, reg).Dump()
	require.NoError(t, err)

	require.Len(t, d.Resources, 4)
	assert.Equal(t, "Record", d.Resources[0].Kind)
	assert.NotContains(t, d.Resources[0].Spec, "id")
	assert.Equal(t, []string{"Record/eu|txt;spf;mail", "Zone/eu;prod"}, d.Tags)
	assert.Equal(t, []string{
		"Record/eu|txt;spf;USES;Zone/eu",
		"Record/eu|www;USES;Zone/eu",
		"Zone/us;POINTS_TO;Zone/eu",
	}, d.Links)
}

func TestDirectoryRoundTrip(t *testing.T) {
	e, store, reg := newEngine(t)
	seed(t, e)

	dir := t.TempDir()
	require.NoError(t, NewExporter(store, reg).ExportDir(dir))

	files, err := filepath.Glob(filepath.Join(dir, "Record", "*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	tags, err := os.ReadFile(filepath.Join(dir, TagsFile))
	require.NoError(t, err)
	assert.Equal(t, "Record/eu|txt;spf;mail\nZone/eu;prod\n", string(tags))

	target, targetStore, targetReg := newEngine(t)
	cs, err := NewImporter(targetStore, targetReg).ImportDir(dir)
	require.NoError(t, err)
	assert.Len(t, cs.Adds(), 4)
	assert.Len(t, cs.TagAdds(), 2)
	assert.Len(t, cs.LinkAdds(), 3)
	require.NoError(t, target.Execute(context.Background(), cs))

	want, err := NewExporter(store, reg).Dump()
	require.NoError(t, err)
	got, err := NewExporter(targetStore, targetReg).Dump()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestYAMLRoundTrip(t *testing.T) {
	e, store, reg := newEngine(t)
	seed(t, e)

	var buf bytes.Buffer
	require.NoError(t, NewExporter(store, reg).ExportYAML(&buf))
	assert.Contains(t, buf.String(), "kind: Zone")

	target, targetStore, targetReg := newEngine(t)
	cs, err := NewImporter(nil, targetReg).ImportYAML(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, target.Execute(context.Background(), cs))

	want, err := NewExporter(store, reg).Dump()
	require.NoError(t, err)
	got, err := NewExporter(targetStore, targetReg).Dump()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestImportUpdatesExistingResources(t *testing.T) {
	e, store, reg := newEngine(t)
	seed(t, e)

	yml := `
resources:
  - kind: Record
    spec:
      zone: eu
      name: www
      value: 10.0.0.2
  - kind: Record
    spec:
      zone: us
      name: api
      value: 10.1.0.1
tags:
  - Zone/us;edge
links:
  - Record/us|api;USES;Zone/us
`
	cs, err := NewImporter(store, reg).ImportYAML(strings.NewReader(yml))
	require.NoError(t, err)
	require.Len(t, cs.Updates(), 1)
	require.Len(t, cs.Adds(), 1)

	www, err := store.GetByPrimaryKey("Record", "eu|www")
	require.NoError(t, err)
	assert.Equal(t, www.Meta().ID, cs.Updates()[0].ID)

	require.NoError(t, e.Execute(context.Background(), cs))
	www, err = store.GetByPrimaryKey("Record", "eu|www")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", www.(*record).Value)

	api, err := store.GetByPrimaryKey("Record", "us|api")
	require.NoError(t, err)
	links, err := store.Links(api.Meta().ID, types.LinkUses, "")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestImportErrors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want error
	}{
		{
			name: "unknown type",
			yml:  "resources:\n  - kind: Planet\n    spec: {name: mars}\n",
			want: types.ErrUnknownType,
		},
		{
			name: "duplicate resource",
			yml:  "resources:\n  - kind: Zone\n    spec: {name: eu}\n  - kind: Zone\n    spec: {name: eu}\n",
			want: types.ErrPrimaryKeyCollision,
		},
		{
			name: "tag on unknown resource",
			yml:  "tags:\n  - Zone/asia;prod\n",
			want: types.ErrNotFound,
		},
		{
			name: "link to unknown resource",
			yml:  "resources:\n  - kind: Zone\n    spec: {name: eu}\nlinks:\n  - Zone/eu;USES;Zone/asia\n",
			want: types.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewImporter(nil, testRegistry()).ImportYAML(strings.NewReader(tt.yml))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := NewImporter(nil, testRegistry()).ImportYAML(strings.NewReader("tags:\n  - no-separator\n"))
	assert.Error(t, err)
}

func TestImportDirIgnoresUnknownFolders(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Zone"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Zone", "eu.json"), []byte(`{"name":"eu"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("notes"), 0644))

	cs, err := NewImporter(nil, testRegistry()).ImportDir(dir)
	require.NoError(t, err)
	assert.Len(t, cs.Adds(), 1)
	assert.Empty(t, cs.TagAdds())
	assert.Empty(t, cs.LinkAdds())

	_, err = NewImporter(nil, testRegistry()).ImportDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "eu%7Cwww.json", fileName("eu|www"))
	assert.Equal(t, "a%2Fb.json", fileName("a/b"))
	assert.Equal(t, "_.json", fileName(""))
}
