package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/privchat/privchat-sdk/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// fileServer 返回信封格式的上传应答
func fileServer(t *testing.T, failures int32) (*httptest.Server, *int32) {
	t.Helper()
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, r.ParseMultipartForm(32<<20))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    0,
			"message": "ok",
			"data": map[string]interface{}{
				"file_id": "f-123",
				"url":     "https://files.example.com/f-123",
			},
		})
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestUploadFile(t *testing.T) {
	server, _ := fileServer(t, 0)
	pipeline := NewPipeline(server.URL, 0, 0, true, 3)

	path := writeTempFile(t, "photo.png", TransparentPNG())
	attach, err := pipeline.UploadFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "f-123", attach.FileID)
	assert.Equal(t, "https://files.example.com/f-123", attach.URL)
	assert.Equal(t, "image/png", attach.MimeType)
	assert.Equal(t, int64(len(TransparentPNG())), attach.Size)
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	server, requests := fileServer(t, 2)
	pipeline := NewPipeline(server.URL, 0, 0, true, 3)

	path := writeTempFile(t, "voice.bin", []byte("audio-bytes"))
	_, err := pipeline.UploadFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(requests))
}

func TestUploadExhaustsRetries(t *testing.T) {
	server, _ := fileServer(t, 100)
	pipeline := NewPipeline(server.URL, 0, 0, true, 2)

	path := writeTempFile(t, "doc.bin", []byte("doc"))
	_, err := pipeline.UploadFile(context.Background(), path, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindUploadFailed, errors.KindOf(err))
}

func TestUploadReportsProgress(t *testing.T) {
	server, _ := fileServer(t, 0)
	pipeline := NewPipeline(server.URL, 0, 0, false, 0)

	path := writeTempFile(t, "blob.bin", make([]byte, 4096))
	progress := &recordingProgress{}
	_, err := pipeline.UploadFile(context.Background(), path, progress)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), progress.last())
}

type recordingProgress struct {
	mu          sync.Mutex
	transferred int64
}

func (r *recordingProgress) OnProgress(transferred, total int64) {
	r.mu.Lock()
	r.transferred = transferred
	r.mu.Unlock()
}

func (r *recordingProgress) last() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferred
}

func TestUploadWithoutBaseURL(t *testing.T) {
	pipeline := NewPipeline("", 0, 0, false, 0)
	_, err := pipeline.UploadFile(context.Background(), "/nope", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidParameter, errors.KindOf(err))
}

func TestPrepareVideoWithoutHookUsesFallbackThumbnail(t *testing.T) {
	pipeline := NewPipeline("http://unused", 0, 0, false, 0)
	source := writeTempFile(t, "clip.mp4", []byte("video-bytes"))

	uploadPath, thumbPath, err := pipeline.PrepareVideo(source, "", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, source, uploadPath)

	thumb, err := os.ReadFile(thumbPath)
	require.NoError(t, err)
	assert.Equal(t, TransparentPNG(), thumb)
}

func TestPrepareVideoHookThumbnailAndSkipCompress(t *testing.T) {
	pipeline := NewPipeline("http://unused", 0, 0, false, 0)
	source := writeTempFile(t, "clip.mp4", []byte("video-bytes"))

	pipeline.SetVideoHook(func(op MediaProcessOp, sourcePath, metaPath, outPath string) (bool, error) {
		if op == OpThumbnail {
			return true, os.WriteFile(outPath, []byte("jpeg-thumb"), 0644)
		}
		// Compress返回false：跳过，保留原始文件
		return false, nil
	})

	uploadPath, thumbPath, err := pipeline.PrepareVideo(source, "", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, source, uploadPath)

	thumb, err := os.ReadFile(thumbPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-thumb"), thumb)
}

func TestPrepareVideoHookErrorFailsUpload(t *testing.T) {
	pipeline := NewPipeline("http://unused", 0, 0, false, 0)
	source := writeTempFile(t, "clip.mp4", []byte("video-bytes"))

	pipeline.SetVideoHook(func(op MediaProcessOp, sourcePath, metaPath, outPath string) (bool, error) {
		return false, fmt.Errorf("codec exploded")
	})

	_, _, err := pipeline.PrepareVideo(source, "", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errors.KindUploadFailed, errors.KindOf(err))
}

func TestPrepareVideoHookCompressProducesNewPath(t *testing.T) {
	pipeline := NewPipeline("http://unused", 0, 0, false, 0)
	source := writeTempFile(t, "clip.mp4", []byte("video-bytes"))

	pipeline.SetVideoHook(func(op MediaProcessOp, sourcePath, metaPath, outPath string) (bool, error) {
		if op == OpThumbnail {
			return false, nil
		}
		return true, os.WriteFile(outPath, []byte("smaller"), 0644)
	})

	uploadPath, thumbPath, err := pipeline.PrepareVideo(source, "", t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, source, uploadPath)

	compressed, err := os.ReadFile(uploadPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("smaller"), compressed)

	// 缩略图钩子返回false：兜底1×1透明PNG
	thumb, err := os.ReadFile(thumbPath)
	require.NoError(t, err)
	assert.Equal(t, TransparentPNG(), thumb)
}

func TestDetectMime(t *testing.T) {
	path := writeTempFile(t, "img.png", TransparentPNG())
	mime, err := DetectMime(path)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
}
