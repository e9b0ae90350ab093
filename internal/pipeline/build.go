// Package pipeline turns a stream spec and an encoder backend into a
// ready-to-run ffmpeg invocation.
package pipeline

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/pkg/avurl"
	"github.com/edirooss/restreamd/pkg/ffcmd"
)

type Options struct {
	FFmpegPath string
	// VideoFolder roots playlist items. Should be absolute so concat lists
	// resolve independently of their own location.
	VideoFolder string
	// WorkDir holds generated concat lists.
	WorkDir    string
	RenderNode string

	VideoBitrate string
	BufferSize   string
	AudioBitrate string
	GOP          int
}

// DefaultOptions suit a 1080p30 push to the usual platforms.
func DefaultOptions() Options {
	return Options{
		FFmpegPath:   "ffmpeg",
		VideoFolder:  "videos",
		WorkDir:      "/tmp/restreamd",
		RenderNode:   "/dev/dri/renderD128",
		VideoBitrate: "4500k",
		BufferSize:   "9000k",
		AudioBitrate: "160k",
		GOP:          60,
	}
}

// Build validates spec and produces the Descriptor for one attempt on
// backend. It performs no I/O.
func Build(id string, spec stream.Spec, backend stream.Backend, o Options) (Descriptor, error) {
	if !stream.ValidID(id) {
		return Descriptor{}, configErr("id", "invalid stream id %q", id)
	}
	v, ok := variants[backend]
	if !ok {
		return Descriptor{}, configErr("backend", "unknown encoder backend %q", backend)
	}
	outputs, err := buildOutputs(spec.Destinations)
	if err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{streamID: id, backend: backend, finite: spec.Source.Finite()}

	b := ffcmd.New(o.FFmpegPath).
		Flag("-hide_banner").
		Flag("-nostdin").
		Flag("-nostats").
		Option("-loglevel", "info").
		Option("-progress", "pipe:1")
	if v.input != nil {
		b.Raw(v.input(o)...)
	}

	masked := map[string]string{}
	switch spec.Source.Kind {
	case stream.SourcePlaylist:
		in, err := playlistInput(id, spec.Source, o, &d)
		if err != nil {
			return Descriptor{}, err
		}
		b.Raw(in...)
	case stream.SourceRelay:
		u, err := avurl.ParseStreamURL(spec.Source.URL, stream.Protocols...)
		if err != nil {
			return Descriptor{}, configErr("source.url", "%v", err)
		}
		if u.Protocol() != string(stream.ProtocolSRT) {
			b.Option("-rw_timeout", "15000000")
		}
		b.Option("-i", spec.Source.URL)
		masked[spec.Source.URL] = avurl.Redact(spec.Source.URL, "")
	default:
		return Descriptor{}, configErr("source.kind", "unknown source kind %q", spec.Source.Kind)
	}

	b.Option("-map", "0:v:0").Option("-map", "0:a:0?")
	b.Raw(v.video(o)...)
	b.Option("-b:v", o.VideoBitrate).
		Option("-maxrate", o.VideoBitrate).
		Option("-bufsize", o.BufferSize)
	if o.GOP > 0 {
		b.IntOption("-g", o.GOP)
	}
	b.Option("-c:a", "aac").Option("-b:a", o.AudioBitrate).Option("-ar", "44100")

	if len(outputs) == 1 {
		b.Option("-f", outputs[0].format).Arg(outputs[0].target)
		masked[outputs[0].target] = outputs[0].redacted
	} else {
		var slaves, redacted []string
		for _, out := range outputs {
			slaves = append(slaves, "[f="+out.format+":onfail=ignore]"+out.target)
			redacted = append(redacted, "[f="+out.format+":onfail=ignore]"+out.redacted)
		}
		tee := strings.Join(slaves, "|")
		b.Option("-flags", "+global_header").Option("-f", "tee").Arg(tee)
		masked[tee] = strings.Join(redacted, "|")
	}

	d.argv = b.Argv()
	d.logArgv = make([]string, len(d.argv))
	for i, a := range d.argv {
		if m, ok := masked[a]; ok {
			a = m
		}
		d.logArgv[i] = a
	}
	return d, nil
}

type output struct {
	format   string
	target   string
	redacted string
}

func buildOutputs(dests []stream.Destination) ([]output, error) {
	if len(dests) == 0 {
		return nil, configErr("destinations", "at least one destination is required")
	}
	outs := make([]output, 0, len(dests))
	for i, dst := range dests {
		field := "destinations[" + strconv.Itoa(i) + "].url"
		if strings.TrimSpace(dst.URL) == "" {
			return nil, configErr(field, "empty destination URL")
		}
		if _, err := avurl.ParseStreamURL(dst.URL, stream.Protocols...); err != nil {
			return nil, configErr(field, "%v", err)
		}
		if strings.ContainsAny(dst.StreamKey, " \t\n|[]") {
			return nil, configErr("destinations["+strconv.Itoa(i)+"].stream_key", "stream key contains forbidden characters")
		}

		format := "flv"
		if dst.Protocol() == stream.ProtocolSRT {
			format = "mpegts"
		}
		target := avurl.WithStreamKey(dst.URL, dst.StreamKey)
		outs = append(outs, output{format: format, target: target, redacted: avurl.Redact(target, dst.StreamKey)})
	}
	return outs, nil
}

// playlistInput reads files in realtime (-re). Several items go through the
// concat demuxer; loop restarts the whole list.
func playlistInput(id string, src stream.Source, o Options, d *Descriptor) ([]string, error) {
	if len(src.Items) == 0 {
		return nil, configErr("source.items", "playlist is empty")
	}
	paths := make([]string, len(src.Items))
	for i, item := range src.Items {
		p, err := resolveItem(o.VideoFolder, item)
		if err != nil {
			return nil, configErr("source.items["+strconv.Itoa(i)+"]", "%v", err)
		}
		paths[i] = p
	}

	var args []string
	if src.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-re")
	if len(paths) == 1 {
		return append(args, "-i", paths[0]), nil
	}

	var body strings.Builder
	body.WriteString("ffconcat version 1.0\n")
	for _, p := range paths {
		body.WriteString("file '" + strings.ReplaceAll(p, "'", `'\''`) + "'\n")
	}
	d.playlistPath = filepath.Join(o.WorkDir, id+".ffconcat")
	d.playlist = body.String()
	return append(args, "-f", "concat", "-safe", "0", "-i", d.playlistPath), nil
}

// resolveItem keeps playlist entries inside the video folder.
func resolveItem(root, item string) (string, error) {
	if strings.TrimSpace(item) == "" {
		return "", errors.New("empty file name")
	}
	if filepath.IsAbs(item) {
		return "", errors.New("absolute paths are not allowed")
	}
	clean := filepath.Clean(item)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes the video folder")
	}
	return filepath.Join(root, clean), nil
}
