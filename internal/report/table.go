// Package report renders orchestrator output (self-test results, shutdown
// statistics) as aligned tables, in the same borderless style the rest of
// this codebase's CLI surface uses.
package report

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// Renderer is implemented by types that can render themselves as a table.
type Renderer interface {
	Headers() []string
	Rows() [][]string
}

// Print writes data as a formatted table to w.
func Print(w io.Writer, data Renderer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(data.Headers())
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, row := range data.Rows() {
		table.Append(row)
	}
	table.Render()
}

// KeyValue prints a simple two-column key:value table, used for shutdown
// statistics summaries.
func KeyValue(w io.Writer, pairs [][2]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, pair := range pairs {
		table.Append([]string{pair[0], pair[1]})
	}
	table.Render()
}

// AssertionResults renders the six self-test assertions of §4.5.
type AssertionResults struct {
	Names []string
	Pass  []bool
	Notes []string
}

func (a AssertionResults) Headers() []string { return []string{"assertion", "result", "note"} }

func (a AssertionResults) Rows() [][]string {
	rows := make([][]string, len(a.Names))
	for i, name := range a.Names {
		result := "PASS"
		if !a.Pass[i] {
			result = "FAIL"
		}
		note := ""
		if i < len(a.Notes) {
			note = a.Notes[i]
		}
		rows[i] = []string{name, result, note}
	}
	return rows
}
