package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	o := DefaultOptions()
	o.VideoFolder = "/srv/videos"
	o.WorkDir = t.TempDir()
	return o
}

func rtmp(key string) []stream.Destination {
	return []stream.Destination{{URL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: key}}
}

func indexOf(argv []string, s string) int {
	for i, a := range argv {
		if a == s {
			return i
		}
	}
	return -1
}

func TestBuild_SingleFileLoopToRTMP(t *testing.T) {
	spec := stream.Spec{
		Source:       stream.Source{Kind: stream.SourcePlaylist, Items: []string{"intro.mp4"}, Loop: true},
		Destinations: rtmp("secret-key"),
	}
	d, err := Build("yt", spec, stream.BackendCPU, testOptions(t))
	require.NoError(t, err)

	argv := d.Argv()
	assert.Equal(t, "ffmpeg", argv[0])
	assert.Less(t, indexOf(argv, "-stream_loop"), indexOf(argv, "-i"))
	assert.Less(t, indexOf(argv, "-re"), indexOf(argv, "-i"))
	assert.Equal(t, "/srv/videos/intro.mp4", argv[indexOf(argv, "-i")+1])
	assert.Equal(t, "libx264", argv[indexOf(argv, "-c:v")+1])
	assert.Equal(t, "flv", argv[indexOf(argv, "-f")+1])
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/secret-key", argv[len(argv)-1])

	assert.False(t, d.Finite())
	_, _, ok := d.Playlist()
	assert.False(t, ok)
	assert.NotContains(t, d.String(), "secret-key")
	assert.Contains(t, d.String(), "live2/****")
}

func TestBuild_ArgvIsACopy(t *testing.T) {
	spec := stream.Spec{Source: stream.Source{Kind: stream.SourcePlaylist, Items: []string{"a.mp4"}}, Destinations: rtmp("k")}
	d, err := Build("s", spec, stream.BackendCPU, testOptions(t))
	require.NoError(t, err)

	argv := d.Argv()
	argv[0] = "rm"
	assert.Equal(t, "ffmpeg", d.Argv()[0])
}

func TestBuild_MultiItemPlaylistUsesConcat(t *testing.T) {
	o := testOptions(t)
	spec := stream.Spec{
		Source:       stream.Source{Kind: stream.SourcePlaylist, Items: []string{"a.mp4", "sub/it's.mp4"}},
		Destinations: rtmp("k"),
	}
	d, err := Build("mix", spec, stream.BackendNVENC, o)
	require.NoError(t, err)

	path, body, ok := d.Playlist()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(o.WorkDir, "mix.ffconcat"), path)
	assert.Equal(t, "ffconcat version 1.0\nfile '/srv/videos/a.mp4'\nfile '/srv/videos/sub/it'\\''s.mp4'\n", body)
	assert.True(t, d.Finite())

	argv := d.Argv()
	assert.Equal(t, "concat", argv[indexOf(argv, "-f")+1])
	assert.Equal(t, path, argv[indexOf(argv, "-i")+1])
	assert.Equal(t, "h264_nvenc", argv[indexOf(argv, "-c:v")+1])

	require.NoError(t, d.Materialize())
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(written))
}

func TestBuild_RelayToSRTAndTee(t *testing.T) {
	spec := stream.Spec{
		Source: stream.Source{Kind: stream.SourceRelay, URL: "srt://ingest.local:9000?passphrase=abcdefghij"},
		Destinations: []stream.Destination{
			{URL: "srt://edge.example.com:9001", StreamKey: "k1"},
			{URL: "rtmps://live-api-s.facebook.com:443/rtmp", StreamKey: "k2"},
		},
	}
	d, err := Build("relay", spec, stream.BackendVAAPI, testOptions(t))
	require.NoError(t, err)

	argv := d.Argv()
	assert.Equal(t, -1, indexOf(argv, "-re"), "live input is not throttled")
	assert.Equal(t, "/dev/dri/renderD128", argv[indexOf(argv, "-vaapi_device")+1])
	assert.Equal(t, "tee", argv[len(argv)-2])
	assert.Equal(t,
		"[f=mpegts:onfail=ignore]srt://edge.example.com:9001?streamid=k1|[f=flv:onfail=ignore]rtmps://live-api-s.facebook.com:443/rtmp/k2",
		argv[len(argv)-1])

	s := d.String()
	assert.NotContains(t, s, "abcdefghij")
	assert.NotContains(t, s, "/rtmp/k2")
}

func TestBuild_SingleSRTOutputIsMPEGTS(t *testing.T) {
	spec := stream.Spec{
		Source:       stream.Source{Kind: stream.SourceRelay, URL: "rtmp://origin/live/in"},
		Destinations: []stream.Destination{{URL: "srt://edge:9000"}},
	}
	d, err := Build("x", spec, stream.BackendQSV, testOptions(t))
	require.NoError(t, err)

	argv := d.Argv()
	assert.Equal(t, "mpegts", argv[len(argv)-2])
	assert.NotEqual(t, -1, indexOf(argv, "-rw_timeout"))
	assert.Equal(t, "h264_qsv", argv[indexOf(argv, "-c:v")+1])
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	good := stream.Spec{Source: stream.Source{Kind: stream.SourcePlaylist, Items: []string{"a.mp4"}}, Destinations: rtmp("k")}

	tests := map[string]struct {
		mutate  func(s *stream.Spec)
		backend stream.Backend
		field   string
	}{
		"empty playlist":    {mutate: func(s *stream.Spec) { s.Source.Items = nil }, field: "source.items"},
		"escaping item":     {mutate: func(s *stream.Spec) { s.Source.Items = []string{"../etc/passwd"} }, field: "source.items[0]"},
		"absolute item":     {mutate: func(s *stream.Spec) { s.Source.Items = []string{"/etc/passwd"} }, field: "source.items[0]"},
		"empty relay url":   {mutate: func(s *stream.Spec) { s.Source = stream.Source{Kind: stream.SourceRelay} }, field: "source.url"},
		"http relay":        {mutate: func(s *stream.Spec) { s.Source = stream.Source{Kind: stream.SourceRelay, URL: "http://x/y"} }, field: "source.url"},
		"unknown kind":      {mutate: func(s *stream.Spec) { s.Source.Kind = "camera" }, field: "source.kind"},
		"no destinations":   {mutate: func(s *stream.Spec) { s.Destinations = nil }, field: "destinations"},
		"empty destination": {mutate: func(s *stream.Spec) { s.Destinations = []stream.Destination{{URL: " "}} }, field: "destinations[0].url"},
		"bad key":           {mutate: func(s *stream.Spec) { s.Destinations[0].StreamKey = "a|b" }, field: "destinations[0].stream_key"},
		"unknown backend":   {mutate: func(s *stream.Spec) {}, backend: "amf", field: "backend"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			spec := good
			spec.Source.Items = append([]string(nil), good.Source.Items...)
			spec.Destinations = append([]stream.Destination(nil), good.Destinations...)
			tt.mutate(&spec)
			backend := tt.backend
			if backend == "" {
				backend = stream.BackendCPU
			}

			_, err := Build("s", spec, backend, testOptions(t))
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.True(t, strings.HasPrefix(err.Error(), "configuration error"))
		})
	}
}
