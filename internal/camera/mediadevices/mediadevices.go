// Package mediadevices は pion/mediadevices を使うカメラドライバ
//
// デバイス番号は EnumerateDevices が返す映像入力デバイスの並び順を指す。
package mediadevices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // カメラアダプタを登録する
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"camfeed/internal/camera"
	"camfeed/internal/frame"
)

// ErrNoSuchDevice は指定番号の映像入力デバイスが無いことを表す
var ErrNoSuchDevice = errors.New("no such video input device")

func init() {
	camera.Register("mediadevices", New)
}

// Driver は pion/mediadevices を使う camera.Driver 実装
type Driver struct {
	enumerate func() []mediadevices.MediaDeviceInfo
}

// New は新しい Driver を作成する
func New(camera.Options) (camera.Driver, error) {
	return &Driver{enumerate: mediadevices.EnumerateDevices}, nil
}

// Name implements camera.Driver.
func (d *Driver) Name() string {
	return "mediadevices"
}

// videoInputs は映像入力デバイスだけを列挙する
func (d *Driver) videoInputs() []mediadevices.MediaDeviceInfo {
	var inputs []mediadevices.MediaDeviceInfo
	for _, device := range d.enumerate() {
		if device.Kind == mediadevices.VideoInput {
			inputs = append(inputs, device)
		}
	}
	return inputs
}

// lookup はデバイス番号に対応するデバイスを返す
func (d *Driver) lookup(index int) (mediadevices.MediaDeviceInfo, error) {
	inputs := d.videoInputs()
	if index < 0 || index >= len(inputs) {
		return mediadevices.MediaDeviceInfo{}, fmt.Errorf("%w: %d (検出数: %d)", ErrNoSuchDevice, index, len(inputs))
	}
	return inputs[index], nil
}

// DeviceName implements camera.Namer.
func (d *Driver) DeviceName(_ context.Context, index int) string {
	device, err := d.lookup(index)
	if err != nil {
		return ""
	}
	return device.Label
}

// Open は GetUserMedia で映像トラックを取得する
func (d *Driver) Open(_ context.Context, index int, requested camera.Settings) (camera.Handle, error) {
	device, err := d.lookup(index)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(device.DeviceID)
			if requested.Width > 0 && requested.Height > 0 {
				c.Width = prop.Int(requested.Width)
				c.Height = prop.Int(requested.Height)
			}
			if requested.FPS > 0 {
				c.FrameRate = prop.Float(requested.FPS)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("映像トラックの取得に失敗: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("映像トラックがありません: %s", device.Label)
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("予期しないトラック型: %T", tracks[0])
	}

	return &handle{
		track:    track,
		reader:   track.NewReader(false),
		settings: requested,
	}, nil
}

// handle は開いている映像トラック
type handle struct {
	track  *mediadevices.VideoTrack
	reader video.Reader

	mu       sync.Mutex
	settings camera.Settings

	closeOnce sync.Once
}

// Read は1フレームを読み取り、RGBA の Frame にコピーする
// 実際の解像度は受信したフレームから確定させる。
func (h *handle) Read() (frame.Frame, error) {
	img, release, err := h.reader.Read()
	if err != nil {
		return frame.Frame{}, fmt.Errorf("映像トラックからの読み取りに失敗: %w", err)
	}
	defer release()

	f := frame.FromImage(img)

	h.mu.Lock()
	h.settings.Width = f.Width
	h.settings.Height = f.Height
	h.mu.Unlock()

	return f, nil
}

// Settings implements camera.Handle.
func (h *handle) Settings() camera.Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

// Close implements camera.Handle.
func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.track.Close()
	})
	return err
}
