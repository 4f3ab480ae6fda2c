package config

import (
	"fmt"
	"time"
)

// Duration は TOML で "10s" や "1m30s" と書ける time.Duration
type Duration time.Duration

// UnmarshalText は time.ParseDuration 形式の文字列を解析する
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("無効な時間指定 %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std は time.Duration に変換する
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
