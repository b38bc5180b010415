package command

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Output formats for replay results.
const (
	FormatJSONL = "jsonl"
	FormatTable = "table"
)

// WriteResults renders every executed result of s to w in the given format.
func WriteResults(w io.Writer, s Summary, format string) error {
	switch format {
	case "", FormatJSONL:
		return writeJSONL(w, s.Executed)
	case FormatTable:
		return writeTable(w, s)
	}
	return fmt.Errorf("command: unknown output format %q", format)
}

func writeJSONL(w io.Writer, results []Result) error {
	enc := json.NewEncoder(w)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("command: write result line %d: %w", res.Line, err)
		}
	}
	return nil
}

func writeTable(w io.Writer, s Summary) error {
	table := tablewriter.NewWriter(w)
	table.Header("Line", "ID", "Kind", "Status", "Detail")
	for _, res := range s.Executed {
		status, detail := "ok", formatOutput(res.Output)
		if !res.OK {
			status, detail = res.Class, res.Error
		}
		if err := table.Append(strconv.Itoa(res.Line), res.ID, string(res.Kind), status, detail); err != nil {
			return fmt.Errorf("command: table row %d: %w", res.Line, err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("command: render table: %w", err)
	}
	_, err := fmt.Fprintln(w, s.String())
	return err
}

func formatOutput(out map[string]string) string {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + out[k]
	}
	return strings.Join(parts, " ")
}
