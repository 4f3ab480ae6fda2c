// Package logging はモジュール単位でレベルを設定できる構造化ログを提供する。
//
// log/slog をベースに、出力先を自動で選択する:
//   - 端末・パイプ・ファイルが接続されていれば stdout
//   - systemd journal が利用可能であれば journal
//   - 両方が利用可能であれば両方
//
// 使い方:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"camera": "debug",
//		},
//	})
//
//	logger := logging.GetLogger("camera")
//	logger.Info("カメラを開きました", "index", 0)
//
// journal 上では SYSLOG_IDENTIFIER=camfeed で絞り込める:
//
//	journalctl -t camfeed MODULE=stream
package logging
