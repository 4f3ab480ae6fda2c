// Package frame はカメラから取得した生フレームと、その受け渡しを担う。
//
// キャプチャループ（単一の生産者）とストリーム接続（任意数の消費者）は
// Slot だけを介してフレームをやり取りする。Slot のロックはポインタの
// 差し替えと読み出しの間だけ保持され、エンコードやネットワーク書き込みの
// 間には保持されない。
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"
)

// PixelFormat は生フレームの画素フォーマット
type PixelFormat string

const (
	FormatBGR24 PixelFormat = "BGR24" // OpenCV / ffmpeg rawvideo bgr24
	FormatRGBA  PixelFormat = "RGBA"  // image.RGBA 互換
	FormatGray8 PixelFormat = "GRAY8" // 8bit グレースケール
)

// ErrUnsupportedFormat は変換できない画素フォーマットを表す
var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// ErrInvalidFrame はサイズとバッファ長が一致しないフレームを表す
var ErrInvalidFrame = errors.New("invalid frame")

// Frame はカメラから取得した1枚の生画像
//
// Publish された後の Frame は不変として扱う。Pix を書き換えてはいけない。
type Frame struct {
	Seq        uint64      // Slot が割り当てるキャプチャ順の通番（1始まり）
	Width      int         // 画像幅
	Height     int         // 画像高さ
	Stride     int         // 1行あたりのバイト数
	Format     PixelFormat // 画素フォーマット
	Pix        []byte      // 画素データ
	CapturedAt time.Time   // 取得時刻
}

// BytesPerPixel はフォーマットごとの1画素のバイト数を返す
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGR24:
		return 3
	case FormatRGBA:
		return 4
	case FormatGray8:
		return 1
	default:
		return 0
	}
}

// New は詰めて並んだ画素データから Frame を作成する
func New(width, height int, format PixelFormat, pix []byte) (Frame, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	f := Frame{
		Width:      width,
		Height:     height,
		Stride:     width * bpp,
		Format:     format,
		Pix:        pix,
		CapturedAt: time.Now(),
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// FromImage は image.Image を RGBA の Frame に変換する
// Pix は新しく確保されるため、元の画像はこの呼び出しの後に再利用してよい。
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	return Frame{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Stride:     rgba.Stride,
		Format:     FormatRGBA,
		Pix:        rgba.Pix,
		CapturedAt: time.Now(),
	}
}

// Empty はフレームが画素を持たないか判定する
func (f Frame) Empty() bool {
	return len(f.Pix) == 0 || f.Width == 0 || f.Height == 0
}

// Validate はサイズとバッファ長の整合性を検証する
func (f Frame) Validate() error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Stride < f.Width*bpp {
		return fmt.Errorf("%w: stride %d too small for width %d", ErrInvalidFrame, f.Stride, f.Width)
	}
	need := f.Stride*(f.Height-1) + f.Width*bpp
	if len(f.Pix) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrInvalidFrame, len(f.Pix), need)
	}
	return nil
}

// Image は Frame を image.Image として返す
// RGBA と GRAY8 はコピーせずにラップし、BGR24 は RGBA に並べ替える。
func (f Frame) Image() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case FormatRGBA:
		return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: rect}, nil
	case FormatGray8:
		return &image.Gray{Pix: f.Pix, Stride: f.Stride, Rect: rect}, nil
	case FormatBGR24:
		rgba := image.NewRGBA(rect)
		for y := 0; y < f.Height; y++ {
			src := f.Pix[y*f.Stride : y*f.Stride+f.Width*3]
			dst := rgba.Pix[y*rgba.Stride : y*rgba.Stride+f.Width*4]
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*3+2]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+0]
				dst[x*4+3] = 0xFF
			}
		}
		return rgba, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
	}
}
