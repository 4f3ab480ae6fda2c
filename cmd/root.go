// Package cmd は camfeed のコマンドライン定義
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"camfeed/internal/camera"
	"camfeed/internal/config"
	"camfeed/internal/events"
	"camfeed/internal/frame"
	"camfeed/internal/logging"
	"camfeed/internal/server"

	// ドライバは init で登録される
	_ "camfeed/internal/camera/ffmpeg"
	_ "camfeed/internal/camera/mediadevices"
	_ "camfeed/internal/camera/opencv"
)

// defaultConfigFile は --config を省略した場合に存在すれば読み込むファイル
const defaultConfigFile = "camfeed.toml"

// rootOptions はコマンドラインオプション
type rootOptions struct {
	configFile string
	host       string
	port       int
	candidates []int
	driver     string
	logLevel   string
	logFormat  string
}

// NewRootCmd はルートコマンドを作成する
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camfeed",
		Short: "USBカメラの映像をMJPEGで配信する",
		Long: `接続されたカメラを候補のデバイス番号から自動で検出し、
映像を multipart/x-mixed-replace (MJPEG) としてHTTPで配信します。
ブラウザで http://<host>:<port>/ を開くと映像が表示されます。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVarP(&opts.configFile, "config", "c", "", "設定ファイル (省略時は "+defaultConfigFile+" が存在すれば読み込む)")
	persistent.StringVar(&opts.driver, "driver", "", "カメラドライバ ("+driverNames()+")")
	persistent.IntSliceVar(&opts.candidates, "camera-index", nil, "試行するデバイス番号 (例: 0,1,2)")
	persistent.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	persistent.StringVar(&opts.logFormat, "log-format", "", "ログ形式 (text, json)")

	cmd.Flags().StringVar(&opts.host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "サーバーのポート (デフォルト: 5000)")

	cmd.AddCommand(newDevicesCmd(opts), newVersionCmd())
	return cmd
}

// Execute はルートコマンドを実行する
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadConfig は設定ファイルと環境変数を読み込み、明示されたオプションで上書きする
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	path := opts.configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	// 明示的に指定されたオプションだけを反映する
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = opts.host
		case "port":
			cfg.Server.Port = opts.port
		case "driver":
			cfg.Camera.Driver = opts.driver
		case "camera-index":
			cfg.Camera.Candidates = opts.candidates
			cfg.Camera.ScanDevices = false
		case "log-level":
			cfg.Logging.Level = opts.logLevel
		case "log-format":
			cfg.Logging.Format = opts.logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗しました: %w", err)
	}
	return cfg, nil
}

// newDriver は設定からカメラドライバを作成する
func newDriver(cfg *config.Config) (camera.Driver, error) {
	return camera.NewDriver(cfg.Camera.Driver, camera.Options{
		FFmpegPath:    cfg.Camera.FFmpegPath,
		DevicePattern: cfg.Camera.DevicePattern,
		Logger:        logging.GetLogger("camera"),
	})
}

// resolveCandidates は試行するデバイス番号を決める
func resolveCandidates(ctx context.Context, cfg *config.Config) []int {
	if cfg.Camera.ScanDevices {
		return camera.ScanIndices(ctx, cfg.Camera.DevicePattern)
	}
	return cfg.Camera.Candidates
}

// requestedSettings は設定から要求する撮影モードを作る
func requestedSettings(cfg *config.Config) camera.Settings {
	return camera.Settings{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    float64(cfg.Camera.FPS),
	}
}

// runServer はキャプチャループとHTTPサーバーを起動し、終了まで待つ
func runServer(ctx context.Context, cfg *config.Config) error {
	logging.Initialize(cfg.Logging)
	logger := logging.GetLogger("main")

	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}

	encoder, err := frame.NewEncoder(cfg.Stream.Encoder, cfg.Stream.JPEGQuality)
	if err != nil {
		return fmt.Errorf("エンコーダの作成に失敗しました: %w", err)
	}

	bus := events.New()
	defer func() {
		_ = bus.Close()
	}()

	candidates := resolveCandidates(ctx, cfg)
	logger.Info("camfeed を起動します",
		"version", Version,
		"driver", driver.Name(),
		"candidates", candidates,
		"requested", requestedSettings(cfg).String(),
		"encoder", cfg.Stream.Encoder)

	slot := frame.NewSlot()
	capturer := camera.NewCapturer(driver, slot, camera.CapturerConfig{
		Policy: camera.Policy{
			Candidates: candidates,
			Attempts:   cfg.Camera.Attempts,
			RetryDelay: cfg.Camera.RetryDelay.Std(),
		},
		Requested:  requestedSettings(cfg),
		Rediscover: cfg.Camera.Rediscover,
		Bus:        bus,
		Logger:     logging.GetLogger("camera"),
	})
	srv := server.New(cfg, slot, encoder, bus, capturer)

	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()

	captureDone := make(chan error, 1)
	go func() {
		captureDone <- capturer.Run(captureCtx)
	}()

	serveErr := srv.Start(ctx)

	// サーバー停止後にカメラを解放する
	// 読み取りでブロックしたドライバは戻らないことがあるので、待つのは猶予時間まで
	cancelCapture()
	wait := cfg.Server.ShutdownTimeout.Std()
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case err := <-captureDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("キャプチャループがエラーで終了しました", "error", err)
		}
	case <-time.After(wait):
		logger.Warn("キャプチャループの停止を待たずに終了します")
	}

	return serveErr
}
