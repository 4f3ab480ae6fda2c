package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camfeed/internal/frame"
)

// MockDevice はテスト用の仮想デバイスの振る舞い
type MockDevice struct {
	Name      string        // 表示名
	OpenErr   error         // Open が返すエラー
	ReadErr   error         // FailAfter 回の読み取り後に返すエラー（nil なら失敗しない）
	FailAfter int           // ReadErr を返し始めるまでに成功する読み取り回数
	Interval  time.Duration // 読み取りごとの待ち時間
	Settings  Settings      // 採用する撮影モード（ゼロ値なら要求値）

	// StallAfter 回読み取った後の Read は Close されるまで戻らない（0 なら無効）
	StallAfter int
}

// MockDriver はテスト用のモック Driver 実装
// 開いたハンドルを記録し、解放漏れを検証できる。
type MockDriver struct {
	mu      sync.Mutex
	devices map[int]MockDevice
	reads   map[int]int // デバイスごとの読み取り回数（ハンドルをまたいで数える）
	handles []*MockHandle
	opens   []int
}

// NewMockDriver は新しい MockDriver を作成する
func NewMockDriver() *MockDriver {
	return &MockDriver{
		devices: make(map[int]MockDevice),
		reads:   make(map[int]int),
	}
}

// AddDevice はテスト用にデバイスを追加する
func (d *MockDriver) AddDevice(index int, device MockDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[index] = device
}

// RemoveDevice はテスト用にデバイスを削除する
func (d *MockDriver) RemoveDevice(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, index)
}

// Name implements Driver.
func (d *MockDriver) Name() string {
	return "mock"
}

// Open はモックデバイスを開く
func (d *MockDriver) Open(_ context.Context, index int, requested Settings) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens = append(d.opens, index)

	device, exists := d.devices[index]
	if !exists {
		return nil, fmt.Errorf("モック: デバイス %d が見つかりません", index)
	}
	if device.OpenErr != nil {
		return nil, device.OpenErr
	}

	settings := device.Settings
	if settings == (Settings{}) {
		settings = requested
	}

	handle := &MockHandle{
		driver:   d,
		index:    index,
		device:   device,
		settings: settings,
		released: make(chan struct{}),
	}
	d.handles = append(d.handles, handle)
	return handle, nil
}

// DeviceName implements Namer.
func (d *MockDriver) DeviceName(_ context.Context, index int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[index].Name
}

// Opens は Open が呼ばれたデバイス番号を順番に返す
func (d *MockDriver) Opens() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.opens...)
}

// Handles は作成したハンドルを返す
func (d *MockDriver) Handles() []*MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockHandle(nil), d.handles...)
}

// OpenHandles はまだ解放されていないハンドルの数を返す
func (d *MockDriver) OpenHandles() int {
	count := 0
	for _, h := range d.Handles() {
		if !h.Closed() {
			count++
		}
	}
	return count
}

// MockHandle はモックデバイスのハンドル
// 読み取るたびに全画素が読み取り回数（の下位8bit）になるグレースケール画像を返す。
// FailAfter はデバイス単位で数えるため、失敗したデバイスは開き直しても失敗する。
type MockHandle struct {
	driver   *MockDriver
	index    int
	device   MockDevice
	settings Settings

	mu       sync.Mutex
	reads    int
	closed   bool
	released chan struct{}
}

// Read implements Handle.
func (h *MockHandle) Read() (frame.Frame, error) {
	if h.device.Interval > 0 {
		time.Sleep(h.device.Interval)
	}
	if h.device.StallAfter > 0 && h.Reads() >= h.device.StallAfter {
		<-h.released
		return frame.Frame{}, ErrHandleClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return frame.Frame{}, ErrHandleClosed
	}

	h.driver.mu.Lock()
	count := h.driver.reads[h.index]
	if h.device.ReadErr != nil && count >= h.device.FailAfter {
		h.driver.mu.Unlock()
		return frame.Frame{}, h.device.ReadErr
	}
	count++
	h.driver.reads[h.index] = count
	h.driver.mu.Unlock()

	h.reads++
	pix := make([]byte, h.settings.Width*h.settings.Height)
	for i := range pix {
		pix[i] = byte(count)
	}
	return frame.New(h.settings.Width, h.settings.Height, frame.FormatGray8, pix)
}

// Settings implements Handle.
func (h *MockHandle) Settings() Settings {
	return h.settings
}

// Close implements Handle.
func (h *MockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.released)
	}
	return nil
}

// Index はハンドルのデバイス番号を返す
func (h *MockHandle) Index() int {
	return h.index
}

// Reads は成功した読み取り回数を返す
func (h *MockHandle) Reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}

// Closed はハンドルが解放済みか判定する
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func init() {
	// テストパターン用のドライバ。実機が無い環境での動作確認に使う
	Register("mock", func(Options) (Driver, error) {
		driver := NewMockDriver()
		driver.AddDevice(0, MockDevice{
			Name:     "テストパターン",
			Interval: 33 * time.Millisecond,
		})
		return driver, nil
	})
}
