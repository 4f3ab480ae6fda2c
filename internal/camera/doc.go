// Package camera カメラの検出とフレーム取得を担う
//
// # 責務
// - 設定された候補番号からのカメラデバイス検出（試し読みによる確認付き）
// - キャプチャループ: カメラを所有し、取得したフレームを frame.Slot に公開する
// - カメラドライバの登録と選択
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 番号の割り当てが不定なカメラを候補リストから確実に開きたい
// - 1台のカメラのフレームを任意数の消費者に配りたい
//
// # 仕様
// - Driver / Handle: ドライバ実装は ffmpeg, opencv, mediadevices サブパッケージにあり、
//   init で Register される
// - Discover: 候補を順番に開き、最初にフレームを返したデバイスを採用する。
//   試し読みに失敗したハンドルは次の候補に進む前に解放する
// - Capturer: 読み取り失敗で停止する（Rediscover が有効なら再検出する）。
//   停止時は Slot を原因とともに閉じ、待機中の消費者に通知する
// - MockDriver: 実機なしで検出とキャプチャを検証するためのドライバ
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス走査に使用（無くても動作する）
//     Ubuntu/Debian: sudo apt install v4l-utils
//     Red Hat/Fedora: sudo dnf install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
