package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/stevemurr/retrondb/format"
	"github.com/stevemurr/retrondb/store"
)

var (
	colorAccent = lipgloss.Color("#20B9B4")
	colorMuted  = lipgloss.Color("#2C4A54")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

// renderGrid draws g as a bordered terminal table.
func renderGrid(g format.Grid) string {
	if len(g.Rows) == 0 {
		return "(no records)"
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(g.Columns...).
		Rows(g.Rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func (a *app) outputFormat() format.Format {
	f, err := format.Parse(a.format)
	if err != nil {
		return format.Dict
	}
	return f
}

func (a *app) printDocs(docs []store.Document) error {
	f := a.outputFormat()
	if f == format.Table {
		fmt.Fprintln(a.out, renderGrid(format.ToGrid(docs)))
		return nil
	}
	out, err := format.Render(docs, f)
	if err != nil {
		return err
	}
	return a.emit(out)
}

func (a *app) printDoc(doc store.Document) error {
	f := a.outputFormat()
	if f == format.Table {
		var docs []store.Document
		if doc != nil {
			docs = append(docs, doc)
		}
		fmt.Fprintln(a.out, renderGrid(format.ToGrid(docs)))
		return nil
	}
	out, err := format.RenderOne(doc, f)
	if err != nil {
		return err
	}
	return a.emit(out)
}

// emit writes text as is and anything else as indented JSON.
func (a *app) emit(v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(a.out, s)
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
