// Package events はプロセス内のライフサイクルイベントを配信する。
//
// カメラの採用・停止やクライアントの接続・切断を通知するためのもので、
// フレームの受け渡しには使わない（フレームは frame.Slot を経由する）。
package events

import (
	"github.com/kelindar/event"
)

// Bus は kelindar/event のディスパッチャをラップする
// nil の *Bus に対する Publish は何もしない。
type Bus struct {
	dispatcher *event.Dispatcher
}

// New は新しい Bus を作成する
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish はイベントを全ての購読者に配信する
// 配信は非同期で、順序は同じ購読の中でのみ保たれる。型の異なるイベント間の順序は保証しない。
func Publish[T Event](b *Bus, ev T) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// Subscribe はイベント型 T の購読を開始し、解除関数を返す
func Subscribe[T Event](b *Bus, handler func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, handler)
}

// Close はディスパッチャを停止する
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.dispatcher.Close()
}
