package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// FormatJSON marshals data as indented JSON
func FormatJSON(data interface{}) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FormatYAML marshals data as YAML
func FormatYAML(data interface{}) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FormatOutput formats data for the json and yaml output formats
func FormatOutput(data interface{}, format string) (string, error) {
	switch format {
	case "json":
		return FormatJSON(data)
	case "yaml":
		return FormatYAML(data)
	default:
		return fmt.Sprintf("%v", data), nil
	}
}

// Table collects rows for PrintTable
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates a new table with the given headers
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// AddRow adds a row, padding it to the header width
func (t *Table) AddRow(cells ...string) {
	for len(cells) < len(t.Headers) {
		cells = append(cells, "")
	}
	t.Rows = append(t.Rows, cells)
}

// Print writes the table as borderless aligned columns
func (t *Table) Print(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(t.Headers)
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
	table.AppendBulk(t.Rows)
	table.Render()
}

// Truncate truncates a string to maxLen with "..." suffix
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
