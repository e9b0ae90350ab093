package stream

import (
	"fmt"
	"strings"
)

// Backend is an encoder family. The set is closed.
type Backend string

const (
	BackendNVENC Backend = "nvenc"
	BackendQSV   Backend = "qsv"
	BackendVAAPI Backend = "vaapi"
	BackendCPU   Backend = "cpu"
)

// Backends lists every backend in the default preference order.
var Backends = []Backend{BackendNVENC, BackendQSV, BackendVAAPI, BackendCPU}

// ParseBackend accepts a backend name case-insensitively.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Backends {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown encoder backend %q", s)
}

// ParseBackends parses an ordered preference list and drops duplicates.
func ParseBackends(names []string) ([]Backend, error) {
	seen := make(map[Backend]bool, len(names))
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		b, err := ParseBackend(n)
		if err != nil {
			return nil, err
		}
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out, nil
}
