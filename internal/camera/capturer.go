package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camfeed/internal/events"
	"camfeed/internal/frame"
	"camfeed/internal/metrics"
)

// CapturerConfig はキャプチャループの設定
type CapturerConfig struct {
	Policy     Policy       // デバイス検出の方針
	Requested  Settings     // 要求する撮影モード
	Rediscover bool         // 読み取り失敗時にデバイス検出をやり直す
	Bus        *events.Bus  // ライフサイクルイベントの配信先（nil可）
	Logger     *slog.Logger // nil の場合は slog.Default()
}

// Capturer はカメラを所有し、取得したフレームを Slot に公開する
//
// カメラのハンドルに触れるのは Run を実行しているゴルーチンだけで、
// ストリーム接続とは Slot を介してのみやり取りする。
type Capturer struct {
	driver Driver
	slot   *frame.Slot
	config CapturerConfig
	logger *slog.Logger

	mu    sync.RWMutex
	state State

	frames atomic.Uint64
}

// NewCapturer は新しい Capturer を作成する
func NewCapturer(driver Driver, slot *frame.Slot, config CapturerConfig) *Capturer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		driver: driver,
		slot:   slot,
		config: config,
		logger: logger,
		state:  State{Status: StatusInactive, Index: -1, Since: time.Now()},
	}
}

// Run はデバイスを検出し、失敗するかコンテキストが終了するまでフレームを取得し続ける
//
// 戻る前に必ずカメラを解放し、Slot を終了原因とともに閉じる。コンテキストの終了による
// 停止では nil を返す。
func (c *Capturer) Run(ctx context.Context) error {
	c.setStatus(StatusDiscovering, nil)

	device, err := Discover(ctx, c.driver, c.config.Policy, c.config.Requested, c.logger)
	if err != nil {
		return c.finishDiscovery(ctx, err)
	}

	for {
		err = c.capture(ctx, device)
		if err == nil {
			c.finish(device.Index, ctx.Err(), "shutdown")
			return nil
		}

		if !c.config.Rediscover {
			c.finish(device.Index, err, "read_failure")
			return err
		}

		c.logger.Warn("デバイスを再検出します", "index", device.Index, "error", err)
		c.setStatus(StatusDiscovering, err)

		device, err = Discover(ctx, c.driver, c.config.Policy, c.config.Requested, c.logger)
		if err != nil {
			return c.finishDiscovery(ctx, err)
		}
	}
}

// capture は1台のデバイスからフレームを取得し続ける
// コンテキストの終了では nil、読み取り失敗では ErrReadFailure を返す。
// どちらの場合もハンドルは解放済みになる。
func (c *Capturer) capture(ctx context.Context, device *Device) error {
	// Read でブロックしていてもキャンセル時にハンドルを閉じて戻らせる
	stopWatch := context.AfterFunc(ctx, func() {
		_ = device.Handle.Close()
	})
	defer func() {
		stopWatch()
		// 監視側が閉じている最中なら、その完了を待ってから戻る
		if err := device.Handle.Close(); err != nil {
			c.logger.Warn("カメラの解放に失敗", "index", device.Index, "error", err)
		}
		metrics.SetCaptureRunning(false, device.Index)
	}()

	c.setDevice(device)
	metrics.SetCaptureRunning(true, device.Index)
	events.Publish(c.config.Bus, events.CameraOpenedEvent{
		Index:     device.Index,
		Name:      device.Name,
		Width:     device.Settings.Width,
		Height:    device.Settings.Height,
		FPS:       device.Settings.FPS,
		Timestamp: time.Now(),
	})

	c.publish(device.First)

	for {
		if ctx.Err() != nil {
			return nil
		}

		f, err := device.Handle.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ReadFailed()
			c.logger.Error("カメラからの読み取りに失敗しました",
				"index", device.Index,
				"frames", c.frames.Load(),
				"error", err)
			return fmt.Errorf("%w: デバイス %d: %w", ErrReadFailure, device.Index, err)
		}

		c.publish(f)
	}
}

// publish はフレームを Slot に公開する
func (c *Capturer) publish(f frame.Frame) {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	c.slot.Publish(f)
	c.frames.Add(1)
	metrics.FrameCaptured()
}

// finishDiscovery はデバイス検出の失敗でループを終える
func (c *Capturer) finishDiscovery(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.finish(-1, err, "shutdown")
		return nil
	}

	c.logger.Error("利用可能なカメラがありません",
		"driver", c.driver.Name(),
		"candidates", c.config.Policy.Candidates,
		"error", err)

	events.Publish(c.config.Bus, events.CameraUnavailableEvent{
		Candidates: c.config.Policy.Candidates,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})

	c.slot.Close(err)
	c.setStatus(StatusUnavailable, err)
	return err
}

// finish は Slot を閉じて停止を通知する
func (c *Capturer) finish(index int, cause error, reason string) {
	c.slot.Close(cause)
	c.setStatus(StatusStopped, cause)

	c.logger.Info("キャプチャを停止しました",
		"index", index,
		"frames", c.frames.Load(),
		"reason", reason)

	events.Publish(c.config.Bus, events.CaptureStoppedEvent{
		Index:     index,
		Frames:    c.frames.Load(),
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// setDevice は採用したデバイスで状態を active にする
func (c *Capturer) setDevice(device *Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{
		Status:   StatusActive,
		Index:    device.Index,
		Name:     device.Name,
		Settings: device.Settings,
		Since:    time.Now(),
	}
}

// setStatus は状態を更新する
// stopped では最後に採用したデバイスの情報を残し、それ以外では消す。
func (c *Capturer) setStatus(status Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status != StatusStopped {
		c.state = State{Index: -1}
	}
	c.state.Status = status
	c.state.Err = err
	c.state.Since = time.Now()
}

// State は現在の状態を返す
func (c *Capturer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Frames はこれまでに公開したフレーム数を返す
func (c *Capturer) Frames() uint64 {
	return c.frames.Load()
}
