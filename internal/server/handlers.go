package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"camfeed/internal/camera"
	"camfeed/internal/frame"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// StreamInfo は配信状況
type StreamInfo struct {
	LatestSeq   uint64       `json:"latest_seq"`
	LastFrameAt *time.Time   `json:"last_frame_at,omitempty"`
	ClientCount int          `json:"client_count"`
	Clients     []ClientInfo `json:"clients"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string       `json:"status"`
	Server    ServerInfo   `json:"server"`
	Camera    CameraStatus `json:"camera"`
	Stream    StreamInfo   `json:"stream"`
	Timestamp time.Time    `json:"timestamp"`
}

// handleIndex は映像を埋め込んだ静的ページを返す
func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	cam := CameraStatus{State: camera.StatusInactive, Since: s.startedAt}
	if s.camera != nil {
		cam = newCameraStatus(s.camera.State())
	}
	clients := s.clients.list()

	stream := StreamInfo{
		LatestSeq:   s.slot.Seq(),
		ClientCount: len(clients),
		Clients:     clients,
	}
	if f, ok := s.slot.Snapshot(); ok {
		capturedAt := f.CapturedAt
		stream.LastFrameAt = &capturedAt
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host:      s.config.Server.Host,
			Port:      s.config.Server.Port,
			StartedAt: s.startedAt,
		},
		Camera:    cam,
		Stream:    stream,
		Timestamp: time.Now(),
	})
}

// handleOpenAPI は API の OpenAPI 定義を返す
func (s *Server) handleOpenAPI(c *gin.Context) {
	c.JSON(http.StatusOK, apiDoc)
}

// handleSnapshot は最新フレームを1枚の JPEG として返す
func (s *Server) handleSnapshot(c *gin.Context) {
	ctx, cancel := s.firstFrameContext(c.Request.Context())
	defer cancel()

	f, err := s.slot.Next(ctx, 0)
	if err != nil {
		s.respondUnavailable(c, err)
		return
	}

	data, err := s.encode(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "encode_failed",
			Message:   "フレームのエンコードに失敗しました",
			Details:   stringPtr(err.Error()),
			Timestamp: time.Now(),
		})
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Frame-Sequence", strconv.FormatUint(f.Seq, 10))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// firstFrameContext は最初のフレームを待つ上限を付けたコンテキストを返す
func (s *Server) firstFrameContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.Stream.FirstFrameTimeout.Std()
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// respondUnavailable はフレームが得られない理由を 503 で返す
// クライアントが既に切断している場合は何も書かない。
func (s *Server) respondUnavailable(c *gin.Context, err error) {
	if c.Request.Context().Err() != nil {
		return
	}

	message := "カメラが利用できません"
	switch {
	case errors.Is(err, camera.ErrDeviceUnavailable):
		message = "利用可能なカメラが見つかりません"
	case errors.Is(err, context.DeadlineExceeded):
		message = "カメラからフレームが届きません"
	case errors.Is(err, frame.ErrClosed), errors.Is(err, context.Canceled):
		message = "キャプチャは停止しています"
	}

	s.logger.Warn("フレームを配信できません", "path", c.Request.URL.Path, "error", err)
	c.Header("Retry-After", "5")
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     "camera_unavailable",
		Message:   message,
		Details:   stringPtr(err.Error()),
		Timestamp: time.Now(),
	})
}

// stringPtr は文字列のポインタを返すヘルパー関数
func stringPtr(s string) *string {
	return &s
}
