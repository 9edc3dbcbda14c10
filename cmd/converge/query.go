package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/types"
)

var queryCmd = &cobra.Command{
	Use:   "query TYPE",
	Short: "Find resources in the graph",
	Long: `Find resources of TYPE (and its subtypes) matching every clause.

Examples:
  converge query Machine
  converge query DnsEntry --eq type=A --like name=www%
  converge query UnixUser --gt uid=70000 -o json
  converge query Application --tag production`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringArray("eq", nil, "Equality clause attr=value")
	queryCmd.Flags().StringArray("like", nil, "Pattern clause attr=pattern (% matches any run)")
	queryCmd.Flags().StringArray("contains", nil, "Collection clause attr=value")
	queryCmd.Flags().StringArray("gt", nil, "Range clause attr>value")
	queryCmd.Flags().StringArray("lt", nil, "Range clause attr<value")
	queryCmd.Flags().StringSlice("tag", nil, "Required tags")
	queryCmd.Flags().Bool("any-tag", false, "Match resources carrying any of the tags")
	queryCmd.Flags().StringP("output", "o", "keys", "Output format (keys|json)")

	rootCmd.AddCommand(queryCmd)
}

// clauses holds the raw query flags
type clauses struct {
	eq, like, contains, gt, lt []string
	tags                       []string
	anyTag                     bool
}

func clausesFromFlags(cmd *cobra.Command) clauses {
	var c clauses
	c.eq, _ = cmd.Flags().GetStringArray("eq")
	c.like, _ = cmd.Flags().GetStringArray("like")
	c.contains, _ = cmd.Flags().GetStringArray("contains")
	c.gt, _ = cmd.Flags().GetStringArray("gt")
	c.lt, _ = cmd.Flags().GetStringArray("lt")
	c.tags, _ = cmd.Flags().GetStringSlice("tag")
	c.anyTag, _ = cmd.Flags().GetBool("any-tag")
	return c
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	if output != "keys" && output != "json" {
		return fmt.Errorf("unknown output format %q", output)
	}

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	q, err := buildQuery(n.reg, args[0], clausesFromFlags(cmd))
	if err != nil {
		return err
	}

	found, err := n.store.Find(q)
	if err != nil {
		return err
	}

	keyed := make(map[string]types.Resource, len(found))
	keys := make([]string, 0, len(found))
	for _, r := range found {
		key := n.reg.MustKey(r)
		keyed[key] = r
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := cmd.OutOrStdout()
	if output == "keys" {
		for _, key := range keys {
			fmt.Fprintln(out, key)
		}
		return nil
	}

	list := make([]types.Resource, 0, len(keys))
	for _, key := range keys {
		list = append(list, keyed[key])
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// buildQuery turns the textual clauses into a query. Values are converted
// to the declared kind of their attribute.
func buildQuery(reg *types.Registry, resourceType string, c clauses) (*query.Query, error) {
	d, err := reg.Descriptor(resourceType)
	if err != nil {
		return nil, err
	}
	b := query.New(reg, resourceType)

	for _, clause := range c.eq {
		name, value, err := typedClause(d, clause, "=")
		if err != nil {
			return nil, err
		}
		b.Equals(name, value)
	}
	for _, clause := range c.gt {
		name, value, err := typedClause(d, clause, ">")
		if err != nil {
			return nil, err
		}
		b.Greater(name, value)
	}
	for _, clause := range c.lt {
		name, value, err := typedClause(d, clause, "<")
		if err != nil {
			return nil, err
		}
		b.Lesser(name, value)
	}
	for _, clause := range c.like {
		name, pattern, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, fmt.Errorf("invalid clause %q, expected attr=pattern", clause)
		}
		b.Like(name, pattern)
	}
	for _, clause := range c.contains {
		name, value, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, fmt.Errorf("invalid clause %q, expected attr=value", clause)
		}
		b.Contains(name, value)
	}
	if len(c.tags) > 0 {
		if c.anyTag {
			b.TagsOr(c.tags...)
		} else {
			b.TagsAnd(c.tags...)
		}
	}
	return b.Build()
}

func typedClause(d *types.Descriptor, clause, sep string) (string, any, error) {
	name, raw, ok := strings.Cut(clause, sep)
	if !ok {
		return "", nil, fmt.Errorf("invalid clause %q, expected attr%svalue", clause, sep)
	}
	attr, ok := d.Attribute(name)
	if !ok {
		// The builder reports unknown attributes
		return name, raw, nil
	}
	value, err := parseValue(attr.Kind, raw)
	if err != nil {
		return "", nil, fmt.Errorf("clause %q: %w", clause, err)
	}
	return name, value, nil
}

// parseValue converts a command line value to the kind of an attribute
func parseValue(kind types.AttrKind, raw string) (any, error) {
	switch kind {
	case types.AttrNumber:
		return strconv.ParseFloat(raw, 64)
	case types.AttrBool:
		return strconv.ParseBool(raw)
	case types.AttrDate:
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, nil
		}
		return time.Parse(time.DateOnly, raw)
	}
	return raw, nil
}
