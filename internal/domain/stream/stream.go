// Package stream holds the value types describing one restreamed target:
// what to read, where to push it, and which encoder backend to use.
package stream

import (
	"fmt"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id is usable as a stream identifier.
func ValidID(id string) bool { return idPattern.MatchString(id) }

type SourceKind string

const (
	// SourcePlaylist reads local files from the video folder in order.
	SourcePlaylist SourceKind = "playlist"
	// SourceRelay pulls a live SRT/RTMP feed.
	SourceRelay SourceKind = "relay"
)

// Source is a tagged union; Kind selects which fields apply.
type Source struct {
	Kind SourceKind `json:"kind"`

	// playlist
	Items []string `json:"items,omitempty"`
	Loop  bool     `json:"loop,omitempty"`

	// relay
	URL string `json:"url,omitempty"`
}

// Finite reports whether the source is expected to end on its own.
func (s Source) Finite() bool { return s.Kind == SourcePlaylist && !s.Loop }

type Protocol string

const (
	ProtocolRTMP  Protocol = "rtmp"
	ProtocolRTMPS Protocol = "rtmps"
	ProtocolSRT   Protocol = "srt"
)

// Protocols lists every accepted push/pull protocol.
var Protocols = []string{string(ProtocolRTMP), string(ProtocolRTMPS), string(ProtocolSRT)}

type Destination struct {
	URL       string `json:"url"`
	StreamKey string `json:"stream_key,omitempty"`
}

// Protocol derives the protocol from the URL scheme.
func (d Destination) Protocol() Protocol {
	if i := strings.Index(d.URL, "://"); i > 0 {
		return Protocol(strings.ToLower(d.URL[:i]))
	}
	return ""
}

// Spec is everything an operator supplies to start a stream.
type Spec struct {
	Source       Source        `json:"source"`
	Destinations []Destination `json:"destinations"`
	// Backend is a preference; empty means "first available".
	Backend Backend `json:"backend,omitempty"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s source, %d destination(s), backend=%q", s.Source.Kind, len(s.Destinations), s.Backend)
}
