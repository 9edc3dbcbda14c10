package bulk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/converge/pkg/changes"
)

// ExportDir writes the graph under dir: one JSON file per resource in a
// folder named after its type, plus tags.txt and links.txt
func (e *Exporter) ExportDir(dir string) error {
	g, err := e.collect()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	for _, r := range g.resources {
		pk, err := e.reg.PrimaryKey(r)
		if err != nil {
			return err
		}
		typeDir := filepath.Join(dir, r.ResourceType())
		if err := os.MkdirAll(typeDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", typeDir, err)
		}

		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", e.reg.MustKey(r), err)
		}
		path := filepath.Join(typeDir, fileName(pk))
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	if err := writeLines(filepath.Join(dir, TagsFile), g.tags); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(dir, LinksFile), g.links); err != nil {
		return err
	}

	e.logger.Info().
		Str("dir", dir).
		Int("resources", len(g.resources)).
		Int("tags", len(g.tags)).
		Int("links", len(g.links)).
		Msg("Graph exported")
	return nil
}

// fileName turns a primary key into a file name. An empty key becomes "_".
func fileName(pk string) string {
	if pk == "" {
		return "_.json"
	}
	return url.PathEscape(pk) + ".json"
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ImportDir stages the dump found under dir. Type folders are read in name
// order; the file names themselves carry no meaning.
func (i *Importer) ImportDir(dir string) (*changes.Changeset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump directory: %w", err)
	}

	r := i.newReplay()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		resourceType := entry.Name()
		if _, err := i.reg.Descriptor(resourceType); err != nil {
			i.logger.Warn().Str("dir", resourceType).Msg("Skipping folder of unknown resource type")
			continue
		}

		files, err := filepath.Glob(filepath.Join(dir, resourceType, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			if err := r.resource(resourceType, data); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	tags, err := readFileLines(filepath.Join(dir, TagsFile))
	if err != nil {
		return nil, err
	}
	for _, line := range tags {
		if err := r.tag(line); err != nil {
			return nil, fmt.Errorf("%s: %w", TagsFile, err)
		}
	}

	links, err := readFileLines(filepath.Join(dir, LinksFile))
	if err != nil {
		return nil, err
	}
	for _, line := range links {
		if err := r.link(line); err != nil {
			return nil, fmt.Errorf("%s: %w", LinksFile, err)
		}
	}

	i.logger.Info().Str("dir", dir).Str("changes", r.cs.String()).Msg("Dump staged")
	return r.cs, nil
}

// readFileLines reads a tags or links file. A missing file has no lines.
func readFileLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}
