package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	// FormatTable is the table output format
	FormatTable Format = "table"
	// FormatJSON is the JSON output format
	FormatJSON Format = "json"
	// FormatYAML is the YAML output format
	FormatYAML Format = "yaml"
)

// Out and Err are where all output goes; tests swap them.
var (
	Out io.Writer = os.Stdout
	Err io.Writer = os.Stderr
)

// PrintTable prints data in table format
func PrintTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(Out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	w.Flush()
}

// PrintJSON prints data in JSON format
func PrintJSON(data any) error {
	encoder := json.NewEncoder(Out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// PrintYAML prints data in YAML format. Values go through JSON first so the
// field names match the wire format.
func PrintYAML(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	encoder := yaml.NewEncoder(Out)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(generic)
}

// Print prints data in the specified format
func Print(format Format, data any, tableFunc func()) error {
	switch format {
	case FormatJSON:
		return PrintJSON(data)
	case FormatYAML:
		return PrintYAML(data)
	case FormatTable:
		if tableFunc != nil {
			tableFunc()
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// FormatTime formats a time for display
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// FormatDuration formats the time between start and end, or "-" if the
// operation has not finished
func FormatDuration(start time.Time, end *time.Time) string {
	if end == nil {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

// Value dereferences an optional string for display
func Value(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// YesNo formats a boolean flag
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Success prints a success message
func Success(message string) {
	fmt.Fprintf(Out, "✓ %s\n", message)
}

// Error prints an error message
func Error(message string) {
	fmt.Fprintf(Err, "Error: %s\n", message)
}

// Info prints an info message
func Info(message string) {
	fmt.Fprintln(Out, message)
}

// Warn prints a warning message
func Warn(message string) {
	fmt.Fprintf(Out, "Warning: %s\n", message)
}
