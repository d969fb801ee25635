package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
)

// renderTable prints rows as a bordered table on a terminal, or as
// tab-separated lines when piped (or when --plain is set) so output
// stays scriptable.
func renderTable(headers []string, rows [][]string) {
	if flagPlain || !isatty.IsTerminal(os.Stdout.Fd()) {
		printPlain(headers, rows)
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}

	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}

		tw.AppendRow(r)
	}

	tw.Render()
}

func printPlain(headers []string, rows [][]string) {
	fmt.Println(strings.Join(headers, "\t"))

	for _, row := range rows {
		fmt.Println(strings.Join(row, "\t"))
	}
}

// bookDecorations appends human-readable markers after a title.
func bookDecorations(audiobook, archived bool) string {
	out := ""
	if audiobook {
		out += " (audiobook)"
	}

	if archived {
		out += " (archived)"
	}

	return out
}
