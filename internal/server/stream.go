package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"camfeed/internal/events"
	"camfeed/internal/frame"
	"camfeed/internal/metrics"
)

// boundary は multipart の区切り文字列
const boundary = "frame"

// トランスポート名（メトリクスとイベントのラベル）
const (
	transportMJPEG     = "mjpeg"
	transportWebSocket = "websocket"
)

// jpegCache は最後にエンコードしたフレームを保持し、同じフレームの再エンコードを避ける
type jpegCache struct {
	mu   sync.Mutex
	seq  uint64
	data []byte
}

func (c *jpegCache) get(seq uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil || c.seq != seq {
		return nil, false
	}
	return c.data, true
}

func (c *jpegCache) put(seq uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq >= c.seq {
		c.seq = seq
		c.data = data
	}
}

// encode はフレームを JPEG に変換する
// 返すバイト列は複数の接続で共有されるため書き換えてはいけない。
func (s *Server) encode(f frame.Frame) ([]byte, error) {
	if data, ok := s.cache.get(f.Seq); ok {
		return data, nil
	}

	start := time.Now()
	data, err := s.encoder.Encode(f)
	if err != nil {
		metrics.EncodeFailed()
		return nil, fmt.Errorf("フレーム %d のエンコードに失敗: %w", f.Seq, err)
	}
	metrics.ObserveEncode(time.Since(start).Seconds())

	s.cache.put(f.Seq, data)
	return data, nil
}

// nextFrame は after より新しいフレームを待つ
// 再送間隔が設定されている場合、その間に新しいフレームが来なければ最新フレームを返す。
func (s *Server) nextFrame(ctx context.Context, after uint64) (frame.Frame, error) {
	interval := s.config.Stream.ResendInterval.Std()
	if interval <= 0 {
		return s.slot.Next(ctx, after)
	}

	waitCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	f, err := s.slot.Next(waitCtx, after)
	if err == nil {
		return f, nil
	}
	if ctx.Err() != nil {
		return frame.Frame{}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if latest, ok := s.slot.Snapshot(); ok {
			return latest, nil
		}
	}
	return frame.Frame{}, err
}

// streamContext はストリーム1本の寿命を決めるコンテキストを返す
func (s *Server) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	if maxDuration := s.config.Stream.MaxDuration.Std(); maxDuration > 0 {
		return context.WithTimeout(parent, maxDuration)
	}
	return context.WithCancel(parent)
}

// streamClient は1本のストリーム接続
type streamClient struct {
	id         string
	transport  string
	remoteAddr string
	framesSent uint64
	bytesSent  uint64
	connected  time.Time
}

// connect は接続の開始を記録する
func (s *Server) connect(transport, remoteAddr string) *streamClient {
	client := &streamClient{
		id:         uuid.NewString(),
		transport:  transport,
		remoteAddr: remoteAddr,
		connected:  time.Now(),
	}

	s.clients.add(ClientInfo{
		ID:          client.id,
		Transport:   transport,
		RemoteAddr:  remoteAddr,
		ConnectedAt: client.connected,
	})
	metrics.ClientConnected(transport)
	events.Publish(s.bus, events.ClientConnectedEvent{
		ClientID:   client.id,
		Transport:  transport,
		RemoteAddr: remoteAddr,
		Timestamp:  client.connected,
	})
	s.logger.Info("クライアントが接続しました",
		"client_id", client.id,
		"transport", transport,
		"remote", remoteAddr)
	return client
}

// sent は送信したフレームを記録する
func (s *Server) sent(client *streamClient, size int) {
	client.framesSent++
	client.bytesSent += uint64(size)
	metrics.FrameSent(client.transport, size)
}

// disconnect は接続の終了を記録する
func (s *Server) disconnect(client *streamClient, reason string) {
	s.clients.remove(client.id)
	metrics.ClientDisconnected(client.transport)
	events.Publish(s.bus, events.ClientDisconnectedEvent{
		ClientID:   client.id,
		Transport:  client.transport,
		FramesSent: client.framesSent,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
	s.logger.Info("クライアントが切断しました",
		"client_id", client.id,
		"transport", client.transport,
		"frames", client.framesSent,
		"bytes", client.bytesSent,
		"duration", time.Since(client.connected).Round(time.Millisecond),
		"reason", reason)
}

// disconnectReason はストリームが終わった原因を分類する
func (s *Server) disconnectReason(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "closed"
	case s.baseCtx.Err() != nil:
		return "shutdown"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "max_duration"
	case ctx.Err() != nil:
		return "client_gone"
	default:
		return "write_error"
	}
}

// partWriter は multipart/x-mixed-replace のパートを書き込む
type partWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// WritePart は1枚の JPEG を1つのパートとして書き込み、フラッシュする
func (p *partWriter) WritePart(data []byte, seq uint64) error {
	header := "--" + boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(data)) + "\r\n" +
		"X-Frame-Sequence: " + strconv.FormatUint(seq, 10) + "\r\n" +
		"\r\n"

	if _, err := io.WriteString(p.w, header); err != nil {
		return err
	}
	if _, err := p.w.Write(data); err != nil {
		return err
	}
	if _, err := io.WriteString(p.w, "\r\n"); err != nil {
		return err
	}

	// バッファをフラッシュ
	p.flusher.Flush()
	return nil
}

// handleVideoFeed はMJPEGストリームを配信する
//
// 最初のフレームを得るまではヘッダーを書かず、得られなければ 503 を返す。
// 以降は新しいフレームごと（または再送間隔ごと）に1パートを書き込み、
// 書き込みに失敗するかクライアントが切断するまで続ける。
func (s *Server) handleVideoFeed(c *gin.Context) {
	ctx, cancel := s.streamContext(c.Request.Context())
	defer cancel()

	// AwaitingFrame
	firstCtx, cancelFirst := s.firstFrameContext(ctx)
	f, err := s.slot.Next(firstCtx, 0)
	cancelFirst()
	if err != nil {
		s.respondUnavailable(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	client := s.connect(transportMJPEG, c.Request.RemoteAddr)
	var streamErr error
	defer func() {
		s.disconnect(client, s.disconnectReason(ctx, streamErr))
	}()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := &partWriter{w: c.Writer, flusher: flusher}

	// Streaming
	for {
		data, err := s.encode(f)
		if err != nil {
			// このフレームは飛ばして次を待つ
			s.logger.Debug("フレームを飛ばします", "client_id", client.id, "error", err)
		} else {
			if err := writer.WritePart(data, f.Seq); err != nil {
				streamErr = err
				return
			}
			s.sent(client, len(data))
		}

		f, err = s.nextFrame(ctx, f.Seq)
		if err != nil {
			streamErr = err
			return
		}
	}
}
