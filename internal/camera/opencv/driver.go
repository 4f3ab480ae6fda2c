//go:build opencv

package opencv

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"camfeed/internal/camera"
	"camfeed/internal/frame"
)

func init() {
	camera.Register("opencv", New)
	frame.RegisterEncoder("opencv", func(quality int) (frame.Encoder, error) {
		return NewEncoder(quality), nil
	})
}

// Driver は gocv.VideoCapture を使う camera.Driver 実装
type Driver struct {
	pattern string
}

// New は新しい Driver を作成する
func New(opts camera.Options) (camera.Driver, error) {
	return &Driver{pattern: opts.DevicePattern}, nil
}

// Name implements camera.Driver.
func (d *Driver) Name() string {
	return "opencv"
}

// DeviceName implements camera.Namer.
func (d *Driver) DeviceName(ctx context.Context, index int) string {
	if d.pattern == "" {
		return ""
	}
	return camera.V4L2DeviceName(ctx, camera.DevicePath(d.pattern, index))
}

// Open はデバイスを開き、要求した撮影モードを設定する
func (d *Driver) Open(_ context.Context, index int, requested camera.Settings) (camera.Handle, error) {
	capture, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("VideoCaptureの作成に失敗: %w", err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("デバイス %d を開けません", index)
	}

	if requested.Width > 0 && requested.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(requested.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(requested.Height))
	}
	if requested.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, requested.FPS)
	}

	// ドライバが採用した値を読み直す
	settings := camera.Settings{
		Width:  int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    capture.Get(gocv.VideoCaptureFPS),
	}

	return &handle{
		capture:  capture,
		mat:      gocv.NewMat(),
		settings: settings,
	}, nil
}

// handle は開いている VideoCapture
type handle struct {
	capture  *gocv.VideoCapture
	mat      gocv.Mat
	settings camera.Settings

	// mu は Read 中の解放を防ぐ
	mu     sync.Mutex
	closed bool
}

// Read は1フレームを読み取り、画素データをコピーして返す
func (h *handle) Read() (frame.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return frame.Frame{}, camera.ErrHandleClosed
	}

	if ok := h.capture.Read(&h.mat); !ok {
		return frame.Frame{}, fmt.Errorf("VideoCaptureからの読み取りに失敗")
	}
	if h.mat.Empty() {
		return frame.Frame{}, fmt.Errorf("空のフレームを受信しました")
	}

	var format frame.PixelFormat
	switch h.mat.Channels() {
	case 3:
		format = frame.FormatBGR24
	case 1:
		format = frame.FormatGray8
	default:
		gocv.CvtColor(h.mat, &h.mat, gocv.ColorBGRAToBGR)
		format = frame.FormatBGR24
	}

	// ToBytes はコピーを返すため、mat は次の読み取りで再利用できる
	return frame.New(h.mat.Cols(), h.mat.Rows(), format, h.mat.ToBytes())
}

// Settings implements camera.Handle.
func (h *handle) Settings() camera.Settings {
	return h.settings
}

// Close は実行中の Read の終了を待ってから解放する
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.mat.Close()
	return h.capture.Close()
}
