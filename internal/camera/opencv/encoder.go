//go:build opencv

package opencv

import (
	"bytes"
	"fmt"

	"gocv.io/x/gocv"

	"camfeed/internal/frame"
)

// Encoder は gocv.IMEncodeWithParams による frame.Encoder 実装
type Encoder struct {
	quality int
}

// NewEncoder は新しい Encoder を作成する
func NewEncoder(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = frame.DefaultJPEGQuality
	}
	return &Encoder{quality: quality}
}

// Encode はフレームを JPEG バイト列に変換する
func (e *Encoder) Encode(f frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	mat, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, e.quality})
	if err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}

// toMat は Frame を BGR または GRAY の Mat に変換する
func toMat(f frame.Frame) (gocv.Mat, error) {
	var matType gocv.MatType
	switch f.Format {
	case frame.FormatBGR24:
		matType = gocv.MatTypeCV8UC3
	case frame.FormatGray8:
		matType = gocv.MatTypeCV8UC1
	case frame.FormatRGBA:
		matType = gocv.MatTypeCV8UC4
	default:
		return gocv.Mat{}, fmt.Errorf("%w: %s", frame.ErrUnsupportedFormat, f.Format)
	}

	// NewMatFromBytes は行間に隙間のないデータを要求する
	pix := f.Pix
	rowBytes := f.Width * f.Format.BytesPerPixel()
	if f.Stride != rowBytes {
		packed := make([]byte, 0, rowBytes*f.Height)
		for y := 0; y < f.Height; y++ {
			packed = append(packed, f.Pix[y*f.Stride:y*f.Stride+rowBytes]...)
		}
		pix = packed
	}

	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, matType, pix[:rowBytes*f.Height])
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("Matの作成に失敗: %w", err)
	}

	if f.Format == frame.FormatRGBA {
		defer mat.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(mat, &bgr, gocv.ColorRGBAToBGR)
		return bgr, nil
	}
	return mat, nil
}
