package server

import (
	"strings"
)

// The command plane speaks the legacy hubctl wire format: the client
// sends a stringified list, e.g. ['config', 'AA:BB:CC:DD:EE:01',
// 'name', 'dean-01'], and the server answers with a raw string and
// closes the connection. One request per connection.

// parseRequest splits a wire request into its arguments. Quotes are
// stripped, the surrounding brackets trimmed, and elements separated by
// ", ".
func parseRequest(msg []byte) []string {
	data := strings.TrimSpace(string(msg))
	data = strings.ReplaceAll(data, "'", "")
	data = strings.TrimPrefix(data, "[")
	data = strings.TrimSuffix(data, "]")
	if data == "" {
		return nil
	}
	return strings.Split(data, ", ")
}

// formatRequest renders arguments back into the wire format. Used by the
// client side.
func formatRequest(args []string) []byte {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + a + "'"
	}
	return []byte("[" + strings.Join(quoted, ", ") + "]")
}
