package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sort"
	"strings"
	"sync"
)

// DefaultJPEGQuality はエンコード品質の既定値
const DefaultJPEGQuality = 80

// Encoder は生フレームを JPEG に圧縮する
type Encoder interface {
	Encode(f Frame) ([]byte, error)
}

// EncoderFunc は関数を Encoder として扱うためのアダプタ
type EncoderFunc func(f Frame) ([]byte, error)

// Encode は f(frame) を呼び出す
func (fn EncoderFunc) Encode(f Frame) ([]byte, error) {
	return fn(f)
}

// ErrUnknownEncoder は登録されていないエンコーダ名を表す
var ErrUnknownEncoder = errors.New("unknown encoder")

// EncoderFactory は品質を受け取って Encoder を作る
type EncoderFactory func(quality int) (Encoder, error)

var (
	encodersMu sync.RWMutex
	encoders   = map[string]EncoderFactory{
		"go": func(quality int) (Encoder, error) { return NewJPEGEncoder(quality), nil },
	}
)

// RegisterEncoder はエンコーダを登録する
func RegisterEncoder(name string, factory EncoderFactory) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	encoders[name] = factory
}

// NewEncoder は登録済みのエンコーダを作成する
func NewEncoder(name string, quality int) (Encoder, error) {
	encodersMu.RLock()
	factory, exists := encoders[name]
	names := make([]string, 0, len(encoders))
	for n := range encoders {
		names = append(names, n)
	}
	encodersMu.RUnlock()

	if !exists {
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %s (利用可能: %s)", ErrUnknownEncoder, name, strings.Join(names, ", "))
	}
	return factory(quality)
}

// JPEGEncoder は image/jpeg による Encoder 実装
type JPEGEncoder struct {
	quality int
}

// NewJPEGEncoder は新しい JPEGEncoder を作成する
// quality が範囲外の場合は既定値を使う。
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{quality: quality}
}

// Encode はフレームを JPEG バイト列に変換する
func (e *JPEGEncoder) Encode(f Frame) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(f.Width * f.Height / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
