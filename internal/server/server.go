package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"camfeed/internal/camera"
	"camfeed/internal/config"
	"camfeed/internal/events"
	"camfeed/internal/frame"
	"camfeed/internal/logging"
	"camfeed/internal/netutil"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config  *config.Config
	slot    *frame.Slot
	encoder frame.Encoder
	bus     *events.Bus
	logger  *slog.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	camera     CameraSource
	clients    *clientRegistry
	cache      jpegCache
	startedAt  time.Time

	notifyMu     sync.Mutex
	lastNotified time.Time
	unsubscribe  []func()

	// ストリーム接続のリクエストコンテキストの親。シャットダウン時に先にキャンセルする
	baseCtx    context.Context
	cancelBase context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New は新しいServerインスタンスを作成する
// slot はキャプチャループと共有し、encoder は全接続で共有する。
// cam が nil の場合、カメラの状態は常に inactive として報告する。
func New(cfg *config.Config, slot *frame.Slot, encoder frame.Encoder, bus *events.Bus, cam CameraSource) *Server {
	gin.SetMode(gin.ReleaseMode)

	baseCtx, cancelBase := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		slot:       slot,
		encoder:    encoder,
		bus:        bus,
		logger:     logging.GetLogger("server"),
		engine:     gin.New(),
		camera:     cam,
		clients:    newClientRegistry(),
		startedAt:  time.Now(),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	s.setupRoutes()
	s.subscribeEvents()
	return s
}

// subscribeEvents はカメラの状態変化を systemd の STATUS に反映する
func (s *Server) subscribeEvents() {
	s.unsubscribe = append(s.unsubscribe,
		events.Subscribe(s.bus, func(ev events.CameraOpenedEvent) {
			settings := camera.Settings{Width: ev.Width, Height: ev.Height, FPS: ev.FPS}
			s.notifyStatus(ev.Timestamp, fmt.Sprintf("配信中: %s [%d] %s", ev.Name, ev.Index, settings))
		}),
		events.Subscribe(s.bus, func(ev events.CameraUnavailableEvent) {
			s.notifyStatus(ev.Timestamp, "カメラを利用できません: "+ev.Error)
		}),
		events.Subscribe(s.bus, func(ev events.CaptureStoppedEvent) {
			s.notifyStatus(ev.Timestamp, "キャプチャ停止: "+ev.Reason)
		}),
	)
}

// notifyStatus は at より新しい通知を送っていなければ STATUS を更新する
func (s *Server) notifyStatus(at time.Time, message string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if at.Before(s.lastNotified) {
		return
	}
	s.lastNotified = at
	s.notifySystemd("STATUS=" + message)
}

// unsubscribeEvents はイベントの購読を解除する
func (s *Server) unsubscribeEvents() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	// ルートハンドラ
	s.engine.GET("/", s.handleIndex)

	// ストリーミングエンドポイント
	s.engine.GET("/video_feed", s.handleVideoFeed)
	s.engine.GET("/snapshot.jpg", s.handleSnapshot)
	s.engine.GET("/ws", s.handleWebSocket)

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// APIエンドポイント
	s.engine.GET("/api/status", s.handleStatus)
	s.engine.GET("/api/openapi.json", s.handleOpenAPI)

	if s.config.Metrics.Enabled {
		s.engine.GET(s.config.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}
}

// requestLogger はリクエストを debug レベルで記録するミドルウェア
func (s *Server) requestLogger() gin.HandlerFunc {
	logger := logging.GetLogger("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"remote", c.ClientIP(),
			"duration", time.Since(start))
	}
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、コンテキストの終了かシグナルを受けるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln で待ち受ける
// 戻る前にグレースフルシャットダウンを行う。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// シャットダウン用のチャンネル
	serveErr := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	s.logger.Info("HTTPサーバーを起動しました",
		"addr", ln.Addr().String(),
		"url", s.URL(ln.Addr()))
	s.notifySystemd(daemon.SdNotifyReady)

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-serveErr:
		_ = s.Shutdown()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// URL はブラウザで開ける URL を返す
// 全インターフェースで待ち受けている場合は外向きアドレスを使う。
func (s *Server) URL(addr net.Addr) string {
	port := s.config.Server.Port
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	host := netutil.DisplayHost(s.config.Server.Host)
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// ストリーム接続は終了しないため、先にベースコンテキストをキャンセルして終了させる。
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("サーバーをシャットダウンしています...")
		s.notifySystemd(daemon.SdNotifyStopping)

		s.cancelBase()
		defer s.unsubscribeEvents()

		timeout := s.config.Server.ShutdownTimeout.Std()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
			return
		}

		s.logger.Info("サーバーが正常にシャットダウンされました")
	})
	return s.shutdownErr
}

// notifySystemd は systemd に状態を通知する。systemd 管理下でなければ何もしない
func (s *Server) notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		s.logger.Debug("sd_notifyに失敗", "state", state, "error", err)
	}
}
