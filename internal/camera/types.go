package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camfeed/internal/frame"
)

// Status はキャプチャの動作状態を表す
type Status string

const (
	StatusInactive    Status = "inactive"    // まだ開始していない
	StatusDiscovering Status = "discovering" // デバイス検出中
	StatusActive      Status = "active"      // フレームを取得中
	StatusUnavailable Status = "unavailable" // どの候補からもフレームを取得できなかった
	StatusStopped     Status = "stopped"     // 読み取り失敗またはシャットダウンで停止した
)

var (
	// ErrDeviceUnavailable は候補のどれも開けない、またはフレームを返さないことを表す
	ErrDeviceUnavailable = errors.New("camera unavailable")

	// ErrReadFailure は開いているカメラからの読み取りが途中で失敗したことを表す
	ErrReadFailure = errors.New("camera read failure")

	// ErrUnknownDriver は登録されていないドライバ名を表す
	ErrUnknownDriver = errors.New("unknown camera driver")

	// ErrHandleClosed は閉じたハンドルへの操作を表す
	ErrHandleClosed = errors.New("camera handle closed")
)

// Settings はカメラの撮影モード
type Settings struct {
	Width  int     `json:"width"`  // 画像幅
	Height int     `json:"height"` // 画像高さ
	FPS    float64 `json:"fps"`    // フレームレート
}

func (s Settings) String() string {
	return fmt.Sprintf("%dx%d@%gfps", s.Width, s.Height, s.FPS)
}

// Driver はデバイス番号からカメラを開く
type Driver interface {
	// Name はドライバ名を返す
	Name() string

	// Open は指定されたデバイス番号のカメラを開く
	// requested は要求値であり、ドライバは別の値を採用してもよい。
	Open(ctx context.Context, index int, requested Settings) (Handle, error)
}

// Handle は開いているカメラ
// Read はキャプチャループからのみ呼ばれる。Close はブロック中の Read と並行して
// 呼ばれることがあり、実装はその Read を戻すか、Read の終了を待ってから解放する。
type Handle interface {
	// Read は次のフレームを返すまでブロックする
	Read() (frame.Frame, error)

	// Settings はドライバが実際に採用した撮影モードを返す
	Settings() Settings

	// Close はカメラを解放する。複数回呼んでもよい
	Close() error
}

// Namer はデバイス番号から表示名を取得できるドライバが実装する
type Namer interface {
	DeviceName(ctx context.Context, index int) string
}

// State はキャプチャの状態
// Index は採用中または最後に採用したデバイス番号で、未採用なら -1。
type State struct {
	Status   Status
	Index    int
	Name     string
	Settings Settings
	Err      error
	Since    time.Time
}

// Device はデバイス検出で採用されたカメラ
type Device struct {
	Index    int         // デバイス番号
	Name     string      // 表示名
	Handle   Handle      // 開いているハンドル
	First    frame.Frame // 試し読みで取得したフレーム
	Settings Settings    // 採用された撮影モード
}

// deviceName はドライバが名前を返せない場合にデバイス番号から表示名を作る
func deviceName(ctx context.Context, driver Driver, index int) string {
	if namer, ok := driver.(Namer); ok {
		if name := namer.DeviceName(ctx, index); name != "" {
			return name
		}
	}
	return fmt.Sprintf("カメラ %d", index)
}
