package dify

import "strings"

// nodeOutputFields is the priority order of fields inspected for text in
// workflow node outputs. No stronger contract exists upstream; node outputs
// are free-form maps whose text-bearing field varies by node type.
var nodeOutputFields = []string{"text", "content", "answer", "result", "output", "response"}

// ExtractNodeOutputText returns the most plausible text content of a
// node_finished outputs map. Known fields are checked in priority order,
// then any non-system-looking string value is accepted. Used for diagnostic
// logging only; node output is never forwarded downstream because message
// events already carry the same content.
func ExtractNodeOutputText(outputs map[string]any) string {
	if len(outputs) == 0 {
		return ""
	}
	for _, field := range nodeOutputFields {
		if v, ok := outputs[field].(string); ok && v != "" {
			return v
		}
	}
	for key, value := range outputs {
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if strings.HasPrefix(key, "sys.") ||
			strings.Contains(key, "id") ||
			strings.Contains(key, "time") {
			continue
		}
		return s
	}
	return ""
}
