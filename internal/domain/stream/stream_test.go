package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("yt-main_01"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("has space"))
	assert.False(t, ValidID("../etc"))
}

func TestParseBackends(t *testing.T) {
	got, err := ParseBackends([]string{"CPU", "vaapi", "cpu"})
	require.NoError(t, err)
	assert.Equal(t, []Backend{BackendCPU, BackendVAAPI}, got)

	_, err = ParseBackends([]string{"amf"})
	assert.Error(t, err)
}

func TestSourceFinite(t *testing.T) {
	assert.True(t, Source{Kind: SourcePlaylist}.Finite())
	assert.False(t, Source{Kind: SourcePlaylist, Loop: true}.Finite())
	assert.False(t, Source{Kind: SourceRelay}.Finite())
}

func TestDestinationProtocol(t *testing.T) {
	assert.Equal(t, ProtocolRTMPS, Destination{URL: "RTMPS://x/app"}.Protocol())
	assert.Equal(t, Protocol(""), Destination{URL: "x/app"}.Protocol())
}
