package bulk

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/converge/pkg/changes"
)

// ExportYAML writes the graph as a single YAML document
func (e *Exporter) ExportYAML(w io.Writer) error {
	d, err := e.Dump()
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("failed to encode dump: %w", err)
	}
	return enc.Close()
}

// ImportYAML stages a single YAML document written by ExportYAML
func (i *Importer) ImportYAML(r io.Reader) (*changes.Changeset, error) {
	var d Dump
	if err := yaml.NewDecoder(r).Decode(&d); err != nil {
		if err == io.EOF {
			return changes.New(i.reg), nil
		}
		return nil, fmt.Errorf("failed to parse dump: %w", err)
	}
	return i.ImportDump(&d)
}
