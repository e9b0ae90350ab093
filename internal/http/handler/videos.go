package handler

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true,
	".flv": true, ".ts": true, ".webm": true, ".avi": true,
}

// Video is one playable file under the video folder.
type Video struct {
	Name     string    `json:"name"` // relative to the video folder, usable as a playlist item
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type VideosHandler struct {
	log  *zap.Logger
	root string
}

func NewVideosHandler(log *zap.Logger, root string) *VideosHandler {
	return &VideosHandler{log: log.Named("videos"), root: root}
}

// List handles GET /videos.
//
// Behavior:
//   - Walks the video folder and returns video files sorted by name.
//   - A missing folder yields an empty list.
//
// Status Codes:
//   - 200 OK
//   - 500 Internal Server Error
func (h *VideosHandler) List(c *gin.Context) {
	videos, err := listVideos(h.root)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(videos)))
	c.JSON(http.StatusOK, videos)
}

func listVideos(root string) ([]Video, error) {
	videos := []Video{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !videoExts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil // removed mid-walk
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		videos = append(videos, Video{Name: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].Name < videos[j].Name })
	return videos, nil
}
