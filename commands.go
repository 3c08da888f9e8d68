package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/retron"
	"github.com/stevemurr/retrondb/store"
)

func (a *app) addCmd() *cobra.Command {
	var allowNew bool
	cmd := &cobra.Command{
		Use:   "add (JSON | key=value...)",
		Short: "Add one record, or a batch given as a JSON array",
		Example: `  retrondb add node=1 genus=Escherichia --allow-new
  retrondb add '[{"node":"2","genus":"Vibrio"},{"node":"3","genus":"Shigella"}]'
  cat batch.json | retrondb add -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, many, err := parseRecords(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if !many {
				doc, err := a.gk.AddOne(cmd.Context(), a.collection, recs[0], allowNew)
				if err != nil {
					return err
				}
				return a.printDoc(doc)
			}
			docs, err := a.gk.AddMany(cmd.Context(), a.collection, recs, allowNew)
			if err != nil {
				return err
			}
			return a.printDocs(docs)
		},
	}
	cmd.Flags().BoolVar(&allowNew, "allow-new", false, "accept properties the collection has not seen")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var opts retron.UpdateOptions
	cmd := &cobra.Command{
		Use:   "update (JSON | key=value...)",
		Short: "Update records matched by node",
		Long: `Update sets the given properties on the record with the same node.
With --replace the record's properties become exactly the given ones.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, many, err := parseRecords(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if !many {
				doc, err := a.gk.UpdateOne(cmd.Context(), a.collection, recs[0], opts)
				if err != nil {
					return err
				}
				return a.printDoc(doc)
			}
			docs, err := a.gk.UpdateMany(cmd.Context(), a.collection, recs, opts)
			if err != nil {
				return err
			}
			return a.printDocs(docs)
		},
	}
	cmd.Flags().BoolVar(&opts.AllowNew, "allow-new", false, "accept properties the collection has not seen")
	cmd.Flags().BoolVar(&opts.Replace, "replace", false, "replace the stored properties instead of merging")
	return cmd
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NODE",
		Short: "Remove one record and print what was removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.gk.RemoveOne(cmd.Context(), a.collection, args[0])
			if err != nil {
				return err
			}
			if doc == nil {
				fmt.Fprintf(a.errOut, "no record with node %s\n", args[0])
			}
			return a.printDoc(doc)
		},
	}
}

func (a *app) removeByCmd() *cobra.Command {
	var (
		op   string
		text bool
	)
	cmd := &cobra.Command{
		Use:   "remove-by KEY VALUE...",
		Short: "Remove every record whose property matches",
		Example: `  retrondb remove-by genus Escherichia
  retrondb remove-by length 100 --op gte
  retrondb remove-by node 1 2 3 --op in`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw := args[0], args[1:]
			values := make([]any, len(raw))
			for i, r := range raw {
				values[i] = parseValue(r, text)
			}
			var value any
			switch {
			case op != "":
				parsed, err := store.ParseOp(op)
				if err != nil {
					return err
				}
				c := store.Condition{Op: parsed, Value: values[0]}
				if parsed == store.OpIn || parsed == store.OpNin {
					c.Value = values
				}
				value = c
			case len(values) == 1:
				value = values[0]
			default:
				value = values
			}
			docs, err := a.gk.RemoveBy(cmd.Context(), a.collection, key, value)
			if err != nil {
				return err
			}
			return a.printDocs(docs)
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "comparison: eq, ne, in, nin, gt, gte, lt, lte")
	cmd.Flags().BoolVar(&text, "text", false, "compare values as text")
	return cmd
}

func (a *app) findCmd() *cobra.Command {
	var (
		where []string
		text  bool
	)
	cmd := &cobra.Command{
		Use:   "find [key=value...]",
		Short: "Print records matching every condition",
		Example: `  retrondb find genus=Escherichia
  retrondb find --where length:gte:100 -f table`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.Filter{}
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				filter[k] = store.Eq(parseValue(v, text))
			}
			for _, w := range where {
				k, c, err := parseWhere(w, text)
				if err != nil {
					return err
				}
				filter[k] = c
			}
			docs, err := a.gk.Find(cmd.Context(), a.collection, filter)
			if err != nil {
				return err
			}
			return a.printDocs(docs)
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "condition as key:op:value; in and nin take comma separated values")
	cmd.Flags().BoolVar(&text, "text", false, "compare values as text")
	return cmd
}

func (a *app) propertiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "properties",
		Short: "List the property names records may carry without --allow-new",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := a.gk.KnownProperties(cmd.Context(), a.collection)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(a.out, n)
			}
			return nil
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	var allowNew bool
	cmd := &cobra.Command{
		Use:   "import FILE.csv",
		Short: "Add every row of a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			docs, err := a.gk.Import(cmd.Context(), a.collection, f, allowNew)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "imported %d records into %s\n", len(docs), a.collection)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowNew, "allow-new", false, "accept properties the collection has not seen")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Write the whole collection to a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.gk.ExportAll(cmd.Context(), a.collection, args[0], overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE.csv COLLECTION",
		Short: "Load a CSV export into a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := a.gk.Restore(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "restored %d records into %s\n", len(docs), args[1])
			return nil
		},
	}
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gk.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("%s store unreachable: %w", a.cfg.Store.Backend, err)
			}
			names, err := a.gk.Collections(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s store ok (%d collections)\n", a.cfg.Store.Backend, len(names))
			return nil
		},
	}
}

// parseRecords reads records from the command line: a JSON object, a JSON
// array, "-" for JSON on stdin, or key=value pairs forming one record.
func parseRecords(stdin io.Reader, args []string) ([]record.Record, bool, error) {
	if len(args) == 1 {
		arg := strings.TrimSpace(args[0])
		if arg == "-" {
			b, err := io.ReadAll(stdin)
			if err != nil {
				return nil, false, err
			}
			arg = strings.TrimSpace(string(b))
		}
		switch {
		case strings.HasPrefix(arg, "["):
			var recs []record.Record
			if err := json.Unmarshal([]byte(arg), &recs); err != nil {
				return nil, false, fmt.Errorf("invalid JSON array: %w", err)
			}
			return recs, true, nil
		case strings.HasPrefix(arg, "{"):
			var rec record.Record
			if err := json.Unmarshal([]byte(arg), &rec); err != nil {
				return nil, false, fmt.Errorf("invalid JSON object: %w", err)
			}
			return []record.Record{rec}, false, nil
		}
	}
	rec := record.Record{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, false, fmt.Errorf("expected key=value, got %q", arg)
		}
		rec[k] = parseValue(v, false)
	}
	return []record.Record{rec}, false, nil
}

// parseValue reads numbers, booleans, null and lists as JSON and anything
// else as text. "007" stays text because it is not a JSON number.
func parseValue(s string, text bool) any {
	if text {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case float64, bool, nil, []any:
		return v
	}
	return s
}

// parseWhere reads key:op:value.
func parseWhere(s string, text bool) (string, store.Condition, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return "", store.Condition{}, fmt.Errorf("expected key:op:value, got %q", s)
	}
	op, err := store.ParseOp(parts[1])
	if err != nil {
		return "", store.Condition{}, err
	}
	if op == store.OpIn || op == store.OpNin {
		items := strings.Split(parts[2], ",")
		values := make([]any, len(items))
		for i, item := range items {
			values[i] = parseValue(strings.TrimSpace(item), text)
		}
		return parts[0], store.Condition{Op: op, Value: values}, nil
	}
	return parts[0], store.Condition{Op: op, Value: parseValue(parts[2], text)}, nil
}
