package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsWriteTimeout は1メッセージの書き込み上限
const wsWriteTimeout = 10 * time.Second

// handleWebSocket は JPEG を1フレーム1バイナリメッセージで配信する
// 最初のフレームが得られない場合はアップグレードせずに 503 を返す。
func (s *Server) handleWebSocket(c *gin.Context) {
	ctx, cancel := s.streamContext(c.Request.Context())
	defer cancel()

	firstCtx, cancelFirst := s.firstFrameContext(ctx)
	f, err := s.slot.Next(firstCtx, 0)
	cancelFirst()
	if err != nil {
		s.respondUnavailable(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		s.logger.Debug("WebSocketのアップグレードに失敗", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	client := s.connect(transportWebSocket, c.Request.RemoteAddr)
	var streamErr error
	defer func() {
		s.disconnect(client, s.disconnectReason(ctx, streamErr))
	}()

	// クライアントからのメッセージは読み捨て、切断を検知したら配信を止める
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		data, err := s.encode(f)
		if err != nil {
			s.logger.Debug("フレームを飛ばします", "client_id", client.id, "error", err)
		} else {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				streamErr = err
				return
			}
			s.sent(client, len(data))
		}

		f, err = s.nextFrame(ctx, f.Seq)
		if err != nil {
			streamErr = err
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
