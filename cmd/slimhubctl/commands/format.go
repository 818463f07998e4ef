// Package commands implements the slimhubctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is
// not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// nodeRow is one parsed line of the daemon's list response.
type nodeRow struct {
	Mac       string `json:"mac"`
	Relay     string `json:"relay"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	Connected string `json:"connected"`
	LastSeen  string `json:"last_seen"`
}

// formatNodes renders the daemon's node listing in the requested format.
func formatNodes(raw, format string) (string, error) {
	rows := parseNodeRows(raw)

	switch format {
	case formatJSON:
		return formatNodesJSON(rows)
	case formatTable:
		return formatNodesTable(rows), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// parseNodeRows splits the listing into rows. Lines that don't look
// like node entries (e.g. "no known nodes") yield an empty slice.
func parseNodeRows(raw string) []nodeRow {
	var rows []nodeRow
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[1], "=") {
			continue
		}

		row := nodeRow{Mac: fields[0]}
		for _, f := range fields[1:] {
			key, value, ok := strings.Cut(f, "=")
			if !ok {
				continue
			}
			switch key {
			case "relay":
				row.Relay = value
			case "type":
				row.Type = value
			case "name":
				row.Name = value
			case "location":
				row.Location = value
			case "connected":
				row.Connected = value
			case "last_seen":
				row.LastSeen = value
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// formatNodesTable renders rows as an aligned text table.
func formatNodesTable(rows []nodeRow) string {
	if len(rows) == 0 {
		return "No known nodes.\n"
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "MAC\tTYPE\tNAME\tLOCATION\tCONNECTED\tLAST SEEN")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Mac, orNA(r.Type), orNA(r.Name), orNA(r.Location),
			r.Connected, orNA(r.LastSeen))
	}

	_ = w.Flush()
	return b.String()
}

// formatNodesJSON renders rows as indented JSON.
func formatNodesJSON(rows []nodeRow) (string, error) {
	if rows == nil {
		rows = []nodeRow{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal nodes: %w", err)
	}
	return string(data) + "\n", nil
}

// orNA substitutes a placeholder for empty values in table output.
func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
