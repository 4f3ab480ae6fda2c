package events

import "time"

// kelindar/event 用のイベント種別
const (
	TypeCameraOpened uint32 = iota + 1
	TypeCameraUnavailable
	TypeCaptureStopped
	TypeClientConnected
	TypeClientDisconnected
)

// Event は kelindar/event が要求するインターフェース
type Event interface {
	Type() uint32
}

// CameraOpenedEvent はデバイス検出でカメラが採用されたことを表す
type CameraOpenedEvent struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Width     int       `json:"width"`  // ドライバが実際に採用した幅
	Height    int       `json:"height"` // ドライバが実際に採用した高さ
	FPS       float64   `json:"fps"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for CameraOpenedEvent.
func (e CameraOpenedEvent) Type() uint32 { return TypeCameraOpened }

// CameraUnavailableEvent は候補のどれからもフレームを取得できなかったことを表す
type CameraUnavailableEvent struct {
	Candidates []int     `json:"candidates"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for CameraUnavailableEvent.
func (e CameraUnavailableEvent) Type() uint32 { return TypeCameraUnavailable }

// CaptureStoppedEvent はキャプチャループが終了したことを表す
type CaptureStoppedEvent struct {
	Index     int       `json:"index"`
	Frames    uint64    `json:"frames"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for CaptureStoppedEvent.
func (e CaptureStoppedEvent) Type() uint32 { return TypeCaptureStopped }

// ClientConnectedEvent はストリーム接続の開始を表す
type ClientConnectedEvent struct {
	ClientID   string    `json:"client_id"`
	Transport  string    `json:"transport"` // mjpeg, websocket
	RemoteAddr string    `json:"remote_addr"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ClientConnectedEvent.
func (e ClientConnectedEvent) Type() uint32 { return TypeClientConnected }

// ClientDisconnectedEvent はストリーム接続の終了を表す
type ClientDisconnectedEvent struct {
	ClientID   string    `json:"client_id"`
	Transport  string    `json:"transport"`
	FramesSent uint64    `json:"frames_sent"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ClientDisconnectedEvent.
func (e ClientDisconnectedEvent) Type() uint32 { return TypeClientDisconnected }
