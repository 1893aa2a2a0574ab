package status

import (
	"fmt"
	"strings"
)

// EncodeTrailers encodes trailer metadata as HTTP/1.1 header text:
// "key1: value1\r\nkey2: value2\r\n". Keys are written as given; parsing
// lowercases them.
func EncodeTrailers(trailers map[string]string) []byte {
	lines := make([]string, 0, len(trailers))
	for key, value := range trailers {
		lines = append(lines, fmt.Sprintf("%s: %s", key, value))
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// ParseTrailers parses HTTP/1.1 header text back into trailer metadata.
// Lines without a colon are skipped.
func ParseTrailers(data []byte) map[string]string {
	trailers := make(map[string]string)
	for _, line := range strings.Split(string(data), "\r\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}
		key := strings.TrimSpace(strings.ToLower(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		trailers[key] = value
	}
	return trailers
}
