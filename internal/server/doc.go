// Package server は、カメラ映像を HTTP で配信します。
//
// 責務:
//   - HTTPサーバー（gin）の起動とグレースフルシャットダウン
//   - MJPEG ストリーム（multipart/x-mixed-replace）の配信
//   - 静止画・WebSocket による配信
//   - ステータス・ヘルスチェック・メトリクスの提供
//
// 仕様:
//   - 各接続は frame.Slot から最新フレームを受け取り、独立してエンコード・送信する
//   - 接続の書き込み失敗はその接続だけを終了させる
//   - 最初のフレームが得られない場合はヘッダー送信前に 503 を返す
//   - シャットダウン時はベースコンテキストをキャンセルしてストリームを終了させる
//   - WebSocketはgorilla/websocketを使用
//   - API定義は static/openapi.yaml を埋め込み、起動時に kin-openapi で検証する
package server
