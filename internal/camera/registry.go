package camera

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Options はドライバ作成時に渡す設定
type Options struct {
	FFmpegPath    string       // ffmpeg 実行ファイル
	DevicePattern string       // デバイス番号からパスを作る書式（例: /dev/video%d）
	Logger        *slog.Logger // ドライバ用ロガー
}

// Factory はドライバ作成関数の型
type Factory func(opts Options) (Driver, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register はドライバ作成関数を登録する
// ドライバのパッケージが init で呼び出す。同じ名前は後から登録したものが優先される。
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// NewDriver は登録済みのドライバを作成する
func NewDriver(name string, opts Options) (Driver, error) {
	registryMu.RLock()
	factory, exists := factories[name]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s (利用可能: %s)", ErrUnknownDriver, name, strings.Join(Drivers(), ", "))
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	driver, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("ドライバ %s の作成に失敗: %w", name, err)
	}
	return driver, nil
}

// Drivers は登録済みのドライバ名を名前順で返す
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
