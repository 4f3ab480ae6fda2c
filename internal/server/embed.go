package server

import (
	"context"
	"embed"
	"log"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed static/index.html static/openapi.yaml
var embedFS embed.FS

var (
	// indexHTML は埋め込んだ index.html の内容
	indexHTML = mustReadFile("static/index.html")

	// apiDoc は HTTP API の OpenAPI 定義
	apiDoc = mustLoadAPIDoc()
)

// mustReadFile は埋め込みファイルを読み込む
func mustReadFile(name string) []byte {
	data, err := embedFS.ReadFile(name)
	if err != nil {
		log.Fatalf("埋め込みファイル %s の読み込みに失敗: %v", name, err)
	}
	return data
}

// mustLoadAPIDoc は openapi.yaml を読み込んで検証する
func mustLoadAPIDoc() *openapi3.T {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(mustReadFile("static/openapi.yaml"))
	if err != nil {
		log.Fatalf("OpenAPI定義の解析に失敗: %v", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		log.Fatalf("OpenAPI定義が不正です: %v", err)
	}
	return doc
}
