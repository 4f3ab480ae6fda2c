package server

import (
	"sort"
	"sync"
	"time"

	"camfeed/internal/camera"
)

// CameraSource はキャプチャの状態を提供する
// camera.Capturer が実装する。
type CameraSource interface {
	State() camera.State
}

// CameraStatus はカメラの状態
type CameraStatus struct {
	State    camera.Status    `json:"state"`
	Index    *int             `json:"index,omitempty"`
	Name     string           `json:"name,omitempty"`
	Settings *camera.Settings `json:"settings,omitempty"` // ドライバが採用した撮影モード
	Error    string           `json:"error,omitempty"`
	Since    time.Time        `json:"since"`
}

// newCameraStatus は camera.State を API の表現に変換する
func newCameraStatus(state camera.State) CameraStatus {
	status := CameraStatus{
		State: state.Status,
		Since: state.Since,
	}
	if state.Index >= 0 {
		index := state.Index
		settings := state.Settings
		status.Index = &index
		status.Name = state.Name
		status.Settings = &settings
	}
	if state.Err != nil {
		status.Error = state.Err.Error()
	}
	return status
}

// ClientInfo は接続中のストリームクライアント
type ClientInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// clientRegistry は接続中のストリームクライアントを保持する
// connect / disconnect から同期的に更新する。
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]ClientInfo
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]ClientInfo)}
}

func (r *clientRegistry) add(info ClientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[info.ID] = info
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// list は接続順に並べたコピーを返す
func (r *clientRegistry) list() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}
