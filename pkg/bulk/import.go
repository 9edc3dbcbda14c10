package bulk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// Importer replays dumps as changesets. Resources that already exist in
// the store are staged as updates, the others as additions.
type Importer struct {
	store  storage.Store
	reg    *types.Registry
	logger zerolog.Logger
}

// NewImporter creates an importer. store may be nil when importing into an
// empty graph.
func NewImporter(store storage.Store, reg *types.Registry) *Importer {
	return &Importer{store: store, reg: reg, logger: log.WithComponent("bulk")}
}

// replay accumulates one import
type replay struct {
	imp   *Importer
	cs    *changes.Changeset
	known map[string]types.Resource // "type/pk" -> resource of the dump
}

func (i *Importer) newReplay() *replay {
	return &replay{imp: i, cs: changes.New(i.reg), known: make(map[string]types.Resource)}
}

// resource stages one decoded resource
func (r *replay) resource(resourceType string, data []byte) error {
	res, err := r.imp.reg.Decode(resourceType, data)
	if err != nil {
		return err
	}
	res.Meta().ID = ""

	key, err := r.imp.reg.Key(res)
	if err != nil {
		return err
	}
	if _, dup := r.known[key]; dup {
		return types.NewResourceError(types.ErrPrimaryKeyCollision, resourceType, key, "defined twice in the dump")
	}
	r.known[key] = res

	existing, err := r.imp.lookup(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return r.cs.ResourceUpdate(existing.Meta().ID, res)
	}
	return r.cs.ResourceAdd(res)
}

// endpoint returns the resource a tag or link line refers to
func (r *replay) endpoint(key string) (types.Resource, error) {
	if res, ok := r.known[key]; ok {
		return res, nil
	}
	res, err := r.imp.lookup(key)
	if err != nil {
		return nil, err
	}
	if res == nil {
		resourceType, _, _ := splitKey(key)
		return nil, types.NewResourceError(types.ErrNotFound, resourceType, key, "referenced by the dump")
	}
	return res, nil
}

func (r *replay) tag(line string) error {
	idx := strings.LastIndex(line, separator)
	if idx <= 0 || idx == len(line)-1 {
		return fmt.Errorf("invalid tag line %q", line)
	}
	res, err := r.endpoint(line[:idx])
	if err != nil {
		return err
	}
	return r.cs.TagAdd(res, line[idx+1:])
}

// link parses "from;LINK;to". Primary keys may contain the separator, so
// every split is tried until both ends name known resources.
func (r *replay) link(line string) error {
	parts := strings.Split(line, separator)
	if len(parts) < 3 {
		return fmt.Errorf("invalid link line %q", line)
	}
	for i := 1; i < len(parts)-1; i++ {
		fromKey := strings.Join(parts[:i], separator)
		toKey := strings.Join(parts[i+1:], separator)
		from, err := r.endpoint(fromKey)
		if err != nil {
			continue
		}
		to, err := r.endpoint(toKey)
		if err != nil {
			continue
		}
		return r.cs.LinkAdd(from, parts[i], to)
	}
	return fmt.Errorf("%w: link line %q names unknown resources", types.ErrNotFound, line)
}

// lookup returns the stored resource with the given key, nil if absent
func (i *Importer) lookup(key string) (types.Resource, error) {
	if i.store == nil {
		return nil, nil
	}
	resourceType, pk, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	res, err := i.store.GetByPrimaryKey(resourceType, pk)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ImportDump stages the content of a single-file dump
func (i *Importer) ImportDump(d *Dump) (*changes.Changeset, error) {
	r := i.newReplay()
	for n, entry := range d.Resources {
		data, err := json.Marshal(entry.Spec)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", n, err)
		}
		if err := r.resource(entry.Kind, data); err != nil {
			return nil, fmt.Errorf("resource %d: %w", n, err)
		}
	}
	for _, line := range d.Tags {
		if err := r.tag(line); err != nil {
			return nil, err
		}
	}
	for _, line := range d.Links {
		if err := r.link(line); err != nil {
			return nil, err
		}
	}

	i.logger.Info().Str("changes", r.cs.String()).Msg("Dump staged")
	return r.cs, nil
}

// readLines returns the non-empty, non-comment lines of r
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
