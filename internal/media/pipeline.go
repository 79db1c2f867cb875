package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// MediaProcessOp 外部视频钩子操作
type MediaProcessOp int

const (
	OpThumbnail MediaProcessOp = iota // 生成缩略图
	OpCompress                        // 压缩
)

// VideoProcessHook 外部视频处理钩子
// 返回false表示"跳过，用默认产物/原始文件"；返回错误使上传失败
type VideoProcessHook func(op MediaProcessOp, sourcePath, metaPath, outPath string) (bool, error)

// ProgressObserver 上传进度观察者
type ProgressObserver interface {
	OnProgress(transferred, total int64)
}

// AttachmentInfo 文件服务返回的附件信息
type AttachmentInfo struct {
	FileID    string `json:"file_id"`
	URL       string `json:"url"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"` // 缩略图的本地路径
}

// 1×1透明PNG，未注册视频钩子时的缩略图兜底
const transparentPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// TransparentPNG 兜底缩略图字节
func TransparentPNG() []byte {
	data, _ := base64.StdEncoding.DecodeString(transparentPNGBase64)
	return data
}

// Pipeline 媒体发送前处理与上传
type Pipeline struct {
	baseURL     string
	client      *http.Client
	enableRetry bool
	maxRetries  uint32
	hook        VideoProcessHook
}

// NewPipeline 创建媒体管线
// baseURL为空时上传操作返回InvalidParameter
func NewPipeline(baseURL string, connectTimeout, requestTimeout time.Duration, enableRetry bool, maxRetries uint32) *Pipeline {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	return &Pipeline{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: requestTimeout,
		},
		enableRetry: enableRetry,
		maxRetries:  maxRetries,
	}
}

// SetVideoHook 注册视频处理钩子
func (p *Pipeline) SetVideoHook(hook VideoProcessHook) {
	p.hook = hook
}

// envelope 文件服务响应信封
type envelope struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// progressReader 统计已读字节并回调观察者
type progressReader struct {
	r           io.Reader
	total       int64
	transferred int64
	observer    ProgressObserver
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.transferred += int64(n)
		if pr.observer != nil {
			pr.observer.OnProgress(pr.transferred, pr.total)
		}
	}
	return n, err
}

// DetectMime 计算文件MIME类型
func DetectMime(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", errors.Wrap(errors.KindGeneric, "detect mime", err)
	}
	return mt.String(), nil
}

// UploadFile 上传文件到文件服务
// 带上限重试，每次重试重新打开文件；进度经observer回调
func (p *Pipeline) UploadFile(ctx context.Context, path string, observer ProgressObserver) (*AttachmentInfo, error) {
	if p.baseURL == "" {
		return nil, errors.InvalidParameter("fileApiBaseUrl", "file api base url not configured")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.PermissionDenied("open file: " + path)
		}
		return nil, errors.UploadFailed("stat file: " + err.Error())
	}

	mime, err := DetectMime(path)
	if err != nil {
		return nil, errors.UploadFailed(err.Error())
	}

	attempts := uint32(1)
	if p.enableRetry && p.maxRetries > 0 {
		attempts = p.maxRetries + 1
	}

	var lastErr error
	for attempt := uint32(0); attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * 500 * time.Millisecond
			if delay > 8*time.Second {
				delay = 8 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, errors.UploadFailed("upload cancelled")
			case <-time.After(delay):
			}
			logger.Debug("重试上传", zap.String("path", path), zap.Uint32("attempt", attempt))
		}

		attach, retryable, err := p.uploadOnce(ctx, path, mime, info.Size(), observer)
		if err == nil {
			attach.MimeType = mime
			attach.Size = info.Size()
			return attach, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, errors.UploadFailed(lastErr.Error())
}

// uploadOnce 单次multipart上传
func (p *Pipeline) uploadOnce(ctx context.Context, path, mime string, size int64, observer ProgressObserver) (*AttachmentInfo, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, false, err
	}
	if _, err := io.Copy(part, &progressReader{r: file, total: size, observer: observer}); err != nil {
		return nil, true, err
	}
	_ = writer.WriteField("mime_type", mime)
	if err := writer.Close(); err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/file/upload", &body)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("file service returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("file service returned %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, true, err
	}
	if env.Code != 0 {
		return nil, false, fmt.Errorf("file service error %d: %s", env.Code, env.Message)
	}

	var attach AttachmentInfo
	if err := json.Unmarshal(env.Data, &attach); err != nil {
		return nil, false, err
	}
	return &attach, false, nil
}

// PrepareVideo 视频发送前处理
// 缩略图：钩子返回true用其产物，false用1×1透明PNG，错误则上传失败
// 压缩：钩子返回false表示跳过，保留原始文件路径
func (p *Pipeline) PrepareVideo(sourcePath, metaPath, workDir string) (uploadPath, thumbPath string, err error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", "", errors.UploadFailed("create work dir: " + err.Error())
	}

	thumbPath = filepath.Join(workDir, "thumb.png")
	uploadPath = sourcePath

	if p.hook != nil {
		produced, hookErr := p.hook(OpThumbnail, sourcePath, metaPath, thumbPath)
		if hookErr != nil {
			return "", "", errors.UploadFailed("video thumbnail hook: " + hookErr.Error())
		}
		if !produced {
			if err := os.WriteFile(thumbPath, TransparentPNG(), 0644); err != nil {
				return "", "", errors.UploadFailed("write fallback thumbnail: " + err.Error())
			}
		}

		compressedPath := filepath.Join(workDir, "compressed"+filepath.Ext(sourcePath))
		compressed, hookErr := p.hook(OpCompress, sourcePath, metaPath, compressedPath)
		if hookErr != nil {
			return "", "", errors.UploadFailed("video compress hook: " + hookErr.Error())
		}
		if compressed {
			uploadPath = compressedPath
		}
	} else {
		// 未注册钩子：缩略图兜底为1×1透明PNG
		if err := os.WriteFile(thumbPath, TransparentPNG(), 0644); err != nil {
			return "", "", errors.UploadFailed("write fallback thumbnail: " + err.Error())
		}
	}

	return uploadPath, thumbPath, nil
}
