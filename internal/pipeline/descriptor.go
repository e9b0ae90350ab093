package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/pkg/ffcmd"
)

// Descriptor describes exactly one engine invocation. It is immutable:
// accessors return copies.
type Descriptor struct {
	streamID string
	backend  stream.Backend
	argv     []string
	logArgv  []string // argv with secrets masked
	finite   bool

	// ffconcat list for multi-item playlists
	playlistPath string
	playlist     string
}

func (d Descriptor) StreamID() string        { return d.streamID }
func (d Descriptor) Backend() stream.Backend { return d.backend }

// Finite reports whether a clean exit means the source ran out.
func (d Descriptor) Finite() bool { return d.finite }

// Argv returns a copy of the full argument vector, argv[0] included.
func (d Descriptor) Argv() []string { return slices.Clone(d.argv) }

// Playlist returns the concat list the invocation reads, if any.
func (d Descriptor) Playlist() (path, body string, ok bool) {
	return d.playlistPath, d.playlist, d.playlistPath != ""
}

// String is the shell-quoted command line with stream keys and credentials
// masked. Safe to log.
func (d Descriptor) String() string { return ffcmd.Quote(d.logArgv) }

// Materialize writes the concat list to disk. It is a no-op for
// invocations that do not need one.
func (d Descriptor) Materialize() error {
	if d.playlistPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.playlistPath), 0o755); err != nil {
		return fmt.Errorf("create playlist dir: %w", err)
	}
	tmp := d.playlistPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(d.playlist), 0o644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	return os.Rename(tmp, d.playlistPath)
}
