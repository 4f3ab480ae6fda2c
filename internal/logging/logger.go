package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config はログ設定
type Config struct {
	Level   string            `toml:"level"`   // 全体のレベル: debug, info, warn, error
	Format  string            `toml:"format"`  // 出力形式: text, json
	Modules map[string]string `toml:"modules"` // モジュールごとのレベル上書き
	Journal bool              `toml:"journal"` // journal が利用可能なら送信する
}

var (
	mutex           sync.RWMutex
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    = Config{Level: "info", Format: "text"}
	globalLevelVar  = &slog.LevelVar{}

	// output はテストで差し替えられるように変数にしている
	output io.Writer = os.Stdout
)

// Initialize はログシステムを初期化する
// 既に作成済みのモジュールロガーもレベルとハンドラを作り直す。
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	globalLevelVar.Set(parseLevelOr(config.Level, slog.LevelInfo))

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevel(module))
		moduleLoggers[module] = slog.New(createHandler(levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(createHandler(globalLevelVar)))
}

// GetLogger は指定モジュールのロガーを返す。無ければ作成する
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, exists := moduleLoggers[module]; exists {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()

	// 他のゴルーチンが先に作成している場合
	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevel(module))

	logger := slog.New(createHandler(levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// moduleLevel はモジュールに適用するレベルを決める（ロック済み前提）
func moduleLevel(module string) slog.Level {
	level := parseLevelOr(globalConfig.Level, slog.LevelInfo)
	if levelStr, exists := globalConfig.Modules[module]; exists {
		level = parseLevelOr(levelStr, level)
	}
	return level
}

// createHandler は現在の設定でハンドラを作成する（ロック済み前提）
func createHandler(level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if globalConfig.Format == "json" {
		stdoutHandler = slog.NewJSONHandler(output, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(output, opts)
	}

	if !globalConfig.Journal || !IsJournalAvailable() {
		return stdoutHandler
	}
	if !isStdoutAvailable() {
		return NewJournalHandler(level)
	}
	return teeHandler{console: stdoutHandler, journal: NewJournalHandler(level)}
}

// teeHandler は stdout と journal の両方へ書き込む
type teeHandler struct {
	console slog.Handler
	journal slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.console.Enabled(ctx, level) || t.journal.Enabled(ctx, level)
}

// Handle は片方の書き込みが失敗してももう片方には渡す
func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range []slog.Handler{t.console, t.journal} {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{console: t.console.WithAttrs(attrs), journal: t.journal.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{console: t.console.WithGroup(name), journal: t.journal.WithGroup(name)}
}

// isStdoutAvailable は stdout が端末・パイプ・ソケット・ファイルに接続されているか判定する
// /dev/null（ModeDevice）の場合は false。
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel は文字列を slog.Level に変換する。不明な場合は nil
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}

func parseLevelOr(level string, fallback slog.Level) slog.Level {
	if parsed := parseLevel(level); parsed != nil {
		return *parsed
	}
	return fallback
}

// ValidLevel はレベル文字列が解釈可能か判定する
func ValidLevel(level string) bool {
	return parseLevel(level) != nil
}
