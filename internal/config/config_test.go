package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// TestDefault はデフォルト設定をテストする
func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("デフォルト設定が検証に失敗しました: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("ホストが期待値と異なります: %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("ポートが期待値と異なります: %d", cfg.Server.Port)
	}
	// WriteTimeout は 0（無効）でなければストリームが切断される
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("書き込みタイムアウトが0ではありません: %v", cfg.Server.WriteTimeout)
	}
	if !reflect.DeepEqual(cfg.Camera.Candidates, []int{0, 1, 2}) {
		t.Errorf("デバイス候補が期待値と異なります: %v", cfg.Camera.Candidates)
	}
	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 || cfg.Camera.FPS != 30 {
		t.Errorf("撮影モードが期待値と異なります: %dx%d@%d", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	}
}

// TestLoad は設定ファイルと環境変数の読み込みをテストする
func TestLoad(t *testing.T) {
	t.Run("パス未指定ならデフォルト値", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("設定の読み込みに失敗しました: %v", err)
		}
		if cfg.ServerAddress() != "0.0.0.0:5000" {
			t.Errorf("アドレスが期待値と異なります: %s", cfg.ServerAddress())
		}
	})

	t.Run("TOMLファイルで上書き", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "camfeed.toml")
		content := `
[server]
port = 8081
shutdown_timeout = "2s"

[camera]
driver = "opencv"
candidates = [2, 0]
width = 1280
height = 720

[stream]
jpeg_quality = 60
resend_interval = "500ms"

[logging]
level = "debug"

[logging.modules]
camera = "warn"
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("設定の読み込みに失敗しました: %v", err)
		}

		if cfg.Server.Port != 8081 {
			t.Errorf("ポートが上書きされていません: %d", cfg.Server.Port)
		}
		if cfg.Server.ShutdownTimeout.Std() != 2*time.Second {
			t.Errorf("シャットダウン猶予が期待値と異なります: %v", cfg.Server.ShutdownTimeout)
		}
		// ファイルで指定していない値はデフォルトのまま
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("ホストが変更されています: %s", cfg.Server.Host)
		}
		if cfg.Camera.Driver != "opencv" {
			t.Errorf("ドライバが上書きされていません: %s", cfg.Camera.Driver)
		}
		if !reflect.DeepEqual(cfg.Camera.Candidates, []int{2, 0}) {
			t.Errorf("デバイス候補が上書きされていません: %v", cfg.Camera.Candidates)
		}
		if cfg.Camera.FPS != 30 {
			t.Errorf("FPSが変更されています: %d", cfg.Camera.FPS)
		}
		if cfg.Stream.JPEGQuality != 60 {
			t.Errorf("JPEG品質が上書きされていません: %d", cfg.Stream.JPEGQuality)
		}
		if cfg.Stream.ResendInterval.Std() != 500*time.Millisecond {
			t.Errorf("再送間隔が期待値と異なります: %v", cfg.Stream.ResendInterval)
		}
		if cfg.Logging.Modules["camera"] != "warn" {
			t.Errorf("モジュール別ログレベルが読み込まれていません: %v", cfg.Logging.Modules)
		}
	})

	t.Run("存在しないファイル", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("os.ErrNotExist を期待しましたが %v でした", err)
		}
	})

	t.Run("不正な時間指定", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		if err := os.WriteFile(path, []byte("[stream]\nfirst_frame_timeout = \"soon\"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("エラーを期待しましたが nil でした")
		}
	})
}

// TestLoadEnv は環境変数による上書きをテストする
func TestLoadEnv(t *testing.T) {
	t.Setenv("CAMFEED_PORT", "9090")
	t.Setenv("CAMFEED_CAMERA_CANDIDATES", "3, 1")
	t.Setenv("CAMFEED_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("ポートが環境変数で上書きされていません: %d", cfg.Server.Port)
	}
	if !reflect.DeepEqual(cfg.Camera.Candidates, []int{3, 1}) {
		t.Errorf("デバイス候補が環境変数で上書きされていません: %v", cfg.Camera.Candidates)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("ログレベルが環境変数で上書きされていません: %s", cfg.Logging.Level)
	}

	t.Run("不正なデバイス番号", func(t *testing.T) {
		t.Setenv("CAMFEED_CAMERA_CANDIDATES", "0,x")
		if _, err := Load(""); err == nil {
			t.Error("エラーを期待しましたが nil でした")
		}
	})
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"無効なポート番号", func(c *Config) { c.Server.Port = 0 }},
		{"ポート番号が範囲外", func(c *Config) { c.Server.Port = 70000 }},
		{"ドライバ未指定", func(c *Config) { c.Camera.Driver = "" }},
		{"候補が空", func(c *Config) { c.Camera.Candidates = nil }},
		{"mediadevicesで走査", func(c *Config) {
			c.Camera.Driver = "mediadevices"
			c.Camera.ScanDevices = true
		}},
		{"負のデバイス番号", func(c *Config) { c.Camera.Candidates = []int{0, -1} }},
		{"重複したデバイス番号", func(c *Config) { c.Camera.Candidates = []int{1, 1} }},
		{"試行回数0", func(c *Config) { c.Camera.Attempts = 0 }},
		{"無効なFPS", func(c *Config) { c.Camera.FPS = 0 }},
		{"無効な幅", func(c *Config) { c.Camera.Width = 10000 }},
		{"無効なJPEG品質", func(c *Config) { c.Stream.JPEGQuality = 101 }},
		{"負の再送間隔", func(c *Config) { c.Stream.ResendInterval = Duration(-time.Second) }},
		{"無効なログレベル", func(c *Config) { c.Logging.Level = "verbose" }},
		{"無効なログ形式", func(c *Config) { c.Logging.Format = "xml" }},
		{"メトリクスのパスが相対", func(c *Config) { c.Metrics.Path = "metrics" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("ErrInvalidConfig を期待しましたが %v でした", err)
			}
		})
	}

	t.Run("候補が空でも走査が有効なら正常", func(t *testing.T) {
		cfg := Default()
		cfg.Camera.Candidates = nil
		cfg.Camera.ScanDevices = true
		if err := cfg.Validate(); err != nil {
			t.Errorf("エラーを期待しませんでしたが %v でした", err)
		}
	})
}

// TestServerAddress はアドレス生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "::1"
	cfg.Server.Port = 8080

	if got := cfg.ServerAddress(); got != "[::1]:8080" {
		t.Errorf("アドレスが期待値と異なります: %s", got)
	}
}

func TestParseCandidates(t *testing.T) {
	got, err := ParseCandidates(" 2,0 ,,1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{2, 0, 1}) {
		t.Errorf("解析結果が期待値と異なります: %v", got)
	}
}
