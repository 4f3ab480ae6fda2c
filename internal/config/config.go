package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"camfeed/internal/logging"

	"github.com/pelletier/go-toml/v2"
)

// envPrefix は環境変数の接頭辞
const envPrefix = "CAMFEED_"

// ErrInvalidConfig は設定値の検証エラーを表す
var ErrInvalidConfig = errors.New("invalid config")

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig   `toml:"server"`
	Camera  CameraConfig   `toml:"camera"`
	Stream  StreamConfig   `toml:"stream"`
	Logging logging.Config `toml:"logging"`
	Metrics MetricsConfig  `toml:"metrics"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `toml:"host"` // リッスンするホスト
	Port int    `toml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     Duration `toml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    Duration `toml:"write_timeout"`    // 書き込みタイムアウト（ストリーミングのため通常は0）
	ShutdownTimeout Duration `toml:"shutdown_timeout"` // グレースフルシャットダウンの猶予
}

// CameraConfig はカメラとデバイス検出の設定
type CameraConfig struct {
	Driver string `toml:"driver"` // ffmpeg, opencv, mediadevices

	// デバイス検出
	Candidates  []int    `toml:"candidates"`   // 試行するデバイス番号（順番どおりに試す）
	ScanDevices bool     `toml:"scan_devices"` // /dev/video* を走査して候補を決める
	Attempts    int      `toml:"attempts"`     // 候補リスト全体を試す回数
	RetryDelay  Duration `toml:"retry_delay"`  // 試行の間隔
	Rediscover  bool     `toml:"rediscover"`   // 読み取り失敗時にデバイス検出をやり直す

	// 要求する撮影モード（ドライバが別の値を採用する場合がある）
	Width  int `toml:"width"`
	Height int `toml:"height"`
	FPS    int `toml:"fps"`

	// ffmpeg ドライバ用
	FFmpegPath    string `toml:"ffmpeg_path"`
	DevicePattern string `toml:"device_pattern"` // 例: /dev/video%d
}

// StreamConfig はストリーム配信の設定
type StreamConfig struct {
	Encoder           string   `toml:"encoder"`             // go, opencv
	JPEGQuality       int      `toml:"jpeg_quality"`        // 1-100
	FirstFrameTimeout Duration `toml:"first_frame_timeout"` // 最初のフレームを待つ上限（0で無制限）
	ResendInterval    Duration `toml:"resend_interval"`     // 新しいフレームが無い場合に最新フレームを再送する間隔（0で再送しない）
	MaxDuration       Duration `toml:"max_duration"`        // 1接続あたりの配信上限（0で無制限）
}

// MetricsConfig は Prometheus エンドポイントの設定
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Camera: CameraConfig{
			Driver:        "ffmpeg",
			Candidates:    []int{0, 1, 2},
			Attempts:      1,
			RetryDelay:    Duration(2 * time.Second),
			Width:         640,
			Height:        480,
			FPS:           30,
			FFmpegPath:    "ffmpeg",
			DevicePattern: "/dev/video%d",
		},
		Stream: StreamConfig{
			Encoder:           "go",
			JPEGQuality:       80,
			FirstFrameTimeout: Duration(10 * time.Second),
			ResendInterval:    Duration(time.Second),
		},
		Logging: logging.Config{
			Level:   "info",
			Format:  "text",
			Modules: map[string]string{},
			Journal: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load は設定を読み込む
// 優先順位は 環境変数 > 設定ファイル > デフォルト値。path が空の場合はファイルを読まない。
// コマンドラインオプションによる上書きは呼び出し側で行う。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile は TOML ファイルの値で上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数の値で上書きする
func (c *Config) applyEnv() error {
	c.Server.Host = getEnvOrDefault("HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)

	c.Camera.Driver = getEnvOrDefault("CAMERA_DRIVER", c.Camera.Driver)
	c.Camera.Width = getEnvAsIntOrDefault("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsIntOrDefault("CAMERA_HEIGHT", c.Camera.Height)
	c.Camera.FPS = getEnvAsIntOrDefault("CAMERA_FPS", c.Camera.FPS)
	if value := os.Getenv(envPrefix + "CAMERA_CANDIDATES"); value != "" {
		candidates, err := ParseCandidates(value)
		if err != nil {
			return fmt.Errorf("%sCAMERA_CANDIDATES: %w", envPrefix, err)
		}
		c.Camera.Candidates = candidates
	}

	c.Stream.JPEGQuality = getEnvAsIntOrDefault("JPEG_QUALITY", c.Stream.JPEGQuality)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)

	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: 無効なポート番号: %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: タイムアウトが負の値です", ErrInvalidConfig)
	}

	// カメラ設定の検証
	if c.Camera.Driver == "" {
		return fmt.Errorf("%w: カメラドライバが指定されていません", ErrInvalidConfig)
	}
	// mediadevices のデバイス番号は /dev/videoN ではなく自身の列挙順
	if c.Camera.ScanDevices && c.Camera.Driver == "mediadevices" {
		return fmt.Errorf("%w: mediadevices ドライバでは scan_devices を使えません。candidates を指定してください", ErrInvalidConfig)
	}
	if len(c.Camera.Candidates) == 0 && !c.Camera.ScanDevices {
		return fmt.Errorf("%w: カメラの候補が指定されていません", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(c.Camera.Candidates))
	for _, index := range c.Camera.Candidates {
		if index < 0 {
			return fmt.Errorf("%w: 無効なデバイス番号: %d", ErrInvalidConfig, index)
		}
		if seen[index] {
			return fmt.Errorf("%w: デバイス番号が重複しています: %d", ErrInvalidConfig, index)
		}
		seen[index] = true
	}
	if c.Camera.Attempts < 1 {
		return fmt.Errorf("%w: 試行回数は1以上にしてください: %d", ErrInvalidConfig, c.Camera.Attempts)
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 120 {
		return fmt.Errorf("%w: 無効なFPS値: %d", ErrInvalidConfig, c.Camera.FPS)
	}
	if c.Camera.Width <= 0 || c.Camera.Width > 4096 {
		return fmt.Errorf("%w: 無効な幅: %d", ErrInvalidConfig, c.Camera.Width)
	}
	if c.Camera.Height <= 0 || c.Camera.Height > 4096 {
		return fmt.Errorf("%w: 無効な高さ: %d", ErrInvalidConfig, c.Camera.Height)
	}

	// ストリーム設定の検証
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("%w: 無効なJPEG品質: %d", ErrInvalidConfig, c.Stream.JPEGQuality)
	}
	if c.Stream.FirstFrameTimeout < 0 || c.Stream.ResendInterval < 0 || c.Stream.MaxDuration < 0 {
		return fmt.Errorf("%w: ストリームの時間設定が負の値です", ErrInvalidConfig)
	}

	// ログ設定の検証
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: 無効なログレベル: %s", ErrInvalidConfig, c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: 無効なログ形式: %s", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: メトリクスのパスは / で始めてください: %s", ErrInvalidConfig, c.Metrics.Path)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ParseCandidates はカンマ区切りのデバイス番号を解析する（例: "0,1,2"）
func ParseCandidates(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	candidates := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		index, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("無効なデバイス番号 %q: %w", part, err)
		}
		candidates = append(candidates, index)
	}
	return candidates, nil
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
