package frame

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed は原因を指定せずに Close された Slot を表す
var ErrClosed = errors.New("frame slot closed")

// Slot は最新フレームを1枚だけ保持する共有セル
//
// 書き込み側はキャプチャループのみで、読み出し側は全てのストリーム接続。
// 待機中の読み出し側は changed チャンネルのクローズで起こされる。
// changed は Publish ごとにクローズされ、新しいチャンネルに差し替えられる。
type Slot struct {
	mu      sync.Mutex
	current *Frame
	seq     uint64
	changed chan struct{}
	err     error
}

// NewSlot は空の Slot を作成する
func NewSlot() *Slot {
	return &Slot{
		changed: make(chan struct{}),
	}
}

// Publish は保持しているフレームを差し替え、割り当てた通番を返す
// f.Pix の所有権は Slot に移り、呼び出し側は以後書き換えてはいけない。
func (s *Slot) Publish(f Frame) uint64 {
	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	s.current = &f
	ch := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(ch)
	return f.Seq
}

// Snapshot は現在のフレームを返す。まだ1枚も無い場合は false を返す
func (s *Slot) Snapshot() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Frame{}, false
	}
	return *s.current, true
}

// Next は通番が after より新しいフレームが入るまで待機して返す
//
// 次の場合はエラーを返す:
//   - ctx が終了した（ctx.Err()）
//   - フレームを1枚も持たないまま Close された（Close に渡されたエラー）
//
// フレームを持った状態で Close された場合、それより新しいフレームは
// 来ないため ctx が終了するまで待機する。
func (s *Slot) Next(ctx context.Context, after uint64) (Frame, error) {
	for {
		s.mu.Lock()
		if s.current != nil && s.current.Seq > after {
			f := *s.current
			s.mu.Unlock()
			return f, nil
		}
		if s.current == nil && s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Frame{}, err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ch:
		}
	}
}

// Close はキャプチャ側が終了したことを記録し、待機中の読み出し側を起こす
// err はキャプチャ終了の原因。最初の呼び出しのみ有効。
func (s *Slot) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	ch := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(ch)
}

// Err は Close に渡された原因を返す。キャプチャ継続中は nil
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Seq は最後に Publish されたフレームの通番を返す
func (s *Slot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
