// Package opencv は OpenCV (gocv) を使うカメラドライバと JPEG エンコーダを提供する
//
// OpenCV のライブラリが必要なため、opencv ビルドタグを付けた場合のみ有効になる。
//
//	go build -tags opencv ./...
//
// 有効な場合、ドライバ "opencv" とエンコーダ "opencv" を登録する。
package opencv
