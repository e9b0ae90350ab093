package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edirooss/restreamd/internal/config"
	mw "github.com/edirooss/restreamd/internal/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLogLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	r.Use(mw.RequestID(), accessLog(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/streams/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) {
		c.Error(errors.New("kaboom"))
		c.Status(http.StatusInternalServerError)
	})

	for _, path := range []string{"/ok", "/streams/cam1", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "cam1", entries[1].ContextMap()["stream_id"])
	assert.Equal(t, "/streams/:id", entries[1].ContextMap()["route"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "kaboom", entries[2].ContextMap()["error"])
	assert.NotEmpty(t, entries[2].ContextMap()["request_id"])
}

func TestPipelineOptions(t *testing.T) {
	cfg := config.Default()
	cfg.FFmpegPath = "/opt/ffmpeg/bin/ffmpeg"
	cfg.WorkDir = "/run/restreamd"

	o := pipelineOptions(cfg, "/srv/videos")
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", o.FFmpegPath)
	assert.Equal(t, "/srv/videos", o.VideoFolder)
	assert.Equal(t, "/run/restreamd", o.WorkDir)
	assert.Equal(t, cfg.RenderNode, o.RenderNode)
	assert.NotEmpty(t, o.VideoBitrate)
}

func TestBuildLoggerLevel(t *testing.T) {
	assert.True(t, buildLogger(true).Core().Enabled(zapcore.DebugLevel))
	assert.False(t, buildLogger(false).Core().Enabled(zapcore.DebugLevel))
}
