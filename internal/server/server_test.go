package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/websocket"

	"camfeed/internal/camera"
	"camfeed/internal/config"
	"camfeed/internal/events"
	"camfeed/internal/frame"
)

const (
	testWidth  = 16
	testHeight = 8
)

// testConfig はテスト用に短いタイムアウトを設定した設定を返す
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)
	cfg.Stream.FirstFrameTimeout = config.Duration(2 * time.Second)
	cfg.Stream.ResendInterval = 0
	cfg.Logging.Journal = false
	return cfg
}

// stubCamera はテストから状態を差し替えられる CameraSource
type stubCamera struct {
	mu    sync.Mutex
	state camera.State
}

func newStubCamera() *stubCamera {
	return &stubCamera{state: camera.State{Status: camera.StatusInactive, Index: -1, Since: time.Now()}}
}

func (c *stubCamera) State() camera.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubCamera) set(state camera.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// newTestServer は httptest のサーバーを起動する
func newTestServer(t *testing.T, cfg *config.Config, encoder frame.Encoder) (*Server, *frame.Slot, *events.Bus, *httptest.Server) {
	t.Helper()

	if encoder == nil {
		encoder = frame.NewJPEGEncoder(80)
	}
	slot := frame.NewSlot()
	bus := events.New()
	srv := New(cfg, slot, encoder, bus, newStubCamera())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		srv.unsubscribeEvents()
		_ = bus.Close()
	})
	return srv, slot, bus, ts
}

// testFrame は全画素が value のグレースケールフレームを作る
func testFrame(t *testing.T, value byte) frame.Frame {
	t.Helper()

	pix := bytes.Repeat([]byte{value}, testWidth*testHeight)
	f, err := frame.New(testWidth, testHeight, frame.FormatGray8, pix)
	if err != nil {
		t.Fatalf("フレームの作成に失敗しました: %v", err)
	}
	return f
}

// startPublisher はテスト終了まで interval ごとにフレームを発行する
func startPublisher(t *testing.T, slot *frame.Slot, interval time.Duration) {
	t.Helper()

	f := testFrame(t, 128)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.CapturedAt = time.Now()
				slot.Publish(f)
			}
		}
	}()

	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})
}

// streamPart は受信した1パート
type streamPart struct {
	seq           uint64
	contentType   string
	contentLength int
	data          []byte
}

// openStream は /video_feed に接続し、multipart リーダーを返す
func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *multipart.Reader) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/video_feed", nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗しました: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		t.Fatalf("Content-Typeの解析に失敗しました: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] != boundary {
		resp.Body.Close()
		t.Fatalf("予期しないContent-Type: %s", resp.Header.Get("Content-Type"))
	}
	return resp, multipart.NewReader(resp.Body, params["boundary"])
}

// readPart は次のパートを読み込む
func readPart(mr *multipart.Reader) (streamPart, error) {
	part, err := mr.NextPart()
	if err != nil {
		return streamPart{}, err
	}
	defer part.Close()

	seq, err := strconv.ParseUint(part.Header.Get("X-Frame-Sequence"), 10, 64)
	if err != nil {
		return streamPart{}, fmt.Errorf("X-Frame-Sequence: %w", err)
	}
	length, err := strconv.Atoi(part.Header.Get("Content-Length"))
	if err != nil {
		return streamPart{}, fmt.Errorf("Content-Length: %w", err)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(part, data); err != nil {
		return streamPart{}, fmt.Errorf("パート本体の読み込みに失敗: %w", err)
	}

	return streamPart{
		seq:           seq,
		contentType:   part.Header.Get("Content-Type"),
		contentLength: length,
		data:          data,
	}, nil
}

func TestServer_StaticEndpoints(t *testing.T) {
	_, _, _, ts := newTestServer(t, testConfig(), nil)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contentType    string
	}{
		{"ルートページ", "/", http.StatusOK, "text/html"},
		{"ヘルスチェック", "/health", http.StatusOK, "application/json"},
		{"ステータス", "/api/status", http.StatusOK, "application/json"},
		{"メトリクス", "/metrics", http.StatusOK, "text/plain"},
		{"存在しないパス", "/nonexistent", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.endpoint)
			if err != nil {
				t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d",
					resp.StatusCode, tc.expectedStatus)
			}
			if tc.contentType != "" && !strings.HasPrefix(resp.Header.Get("Content-Type"), tc.contentType) {
				t.Errorf("予期しないContent-Type: got %s, want %s*",
					resp.Header.Get("Content-Type"), tc.contentType)
			}
		})
	}

	t.Run("ルートページは映像を埋め込む", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), `src="/video_feed"`) {
			t.Errorf("ページに /video_feed の画像が含まれていません: %s", body)
		}
	})

	t.Run("ヘルスチェックはAPI定義に従う", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		validateResponse(t, "/health", resp.StatusCode, body)
	})

	t.Run("OpenAPI定義を返す", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/openapi.json")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		doc, err := openapi3.NewLoader().LoadFromData(body)
		if err != nil {
			t.Fatalf("OpenAPI定義の解析に失敗しました: %v", err)
		}
		if doc.Paths.Find("/video_feed") == nil {
			t.Error("/video_feed が定義されていません")
		}
	})

	t.Run("メトリクスが公開される", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "camfeed_capture_running") {
			t.Error("camfeed_capture_running が出力されていません")
		}
	})
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	_, _, _, ts := newTestServer(t, cfg, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestVideoFeed_MultipartFormat(t *testing.T) {
	_, slot, _, ts := newTestServer(t, testConfig(), nil)
	startPublisher(t, slot, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, mr := openStream(t, ctx, ts.URL)
	defer resp.Body.Close()

	if got := resp.Header.Get("Cache-Control"); !strings.Contains(got, "no-cache") {
		t.Errorf("Cache-Control にno-cacheが含まれていません: %q", got)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		p, err := readPart(mr)
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗しました: %v", i, err)
		}
		if p.contentType != "image/jpeg" {
			t.Errorf("予期しないパートのContent-Type: %s", p.contentType)
		}
		if p.contentLength != len(p.data) || p.contentLength == 0 {
			t.Errorf("Content-Lengthが本体と一致しません: header=%d body=%d", p.contentLength, len(p.data))
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(p.data))
		if err != nil {
			t.Fatalf("パート %d がJPEGとしてデコードできません: %v", i, err)
		}
		if cfg.Width != testWidth || cfg.Height != testHeight {
			t.Errorf("予期しない画像サイズ: %dx%d", cfg.Width, cfg.Height)
		}
		if p.seq <= last {
			t.Errorf("フレーム番号が増加していません: %d -> %d", last, p.seq)
		}
		last = p.seq
	}
}

func TestVideoFeed_ConcurrentClients(t *testing.T) {
	_, slot, _, ts := newTestServer(t, testConfig(), nil)
	startPublisher(t, slot, 3*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const clients = 4
	const parts = 10

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		resp, mr := openStream(t, ctx, ts.URL)
		defer resp.Body.Close()

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var last uint64
			for n := 0; n < parts; n++ {
				p, err := readPart(mr)
				if err != nil {
					errs <- fmt.Errorf("クライアント %d: %w", id, err)
					return
				}
				if p.seq <= last {
					errs <- fmt.Errorf("クライアント %d: フレーム番号が増加していません: %d -> %d", id, last, p.seq)
					return
				}
				last = p.seq
				// 遅いクライアントを混ぜる
				if id == 0 {
					time.Sleep(10 * time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestVideoFeed_DisconnectIsolation(t *testing.T) {
	_, slot, bus, ts := newTestServer(t, testConfig(), nil)
	startPublisher(t, slot, 3*time.Millisecond)

	disconnected := make(chan events.ClientDisconnectedEvent, 4)
	defer events.Subscribe(bus, func(ev events.ClientDisconnectedEvent) {
		disconnected <- ev
	})()

	ctxA, cancelA := context.WithCancel(context.Background())
	respA, mrA := openStream(t, ctxA, ts.URL)
	defer respA.Body.Close()

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	respB, mrB := openStream(t, ctxB, ts.URL)
	defer respB.Body.Close()

	for i := 0; i < 3; i++ {
		if _, err := readPart(mrA); err != nil {
			t.Fatalf("クライアントAの読み込みに失敗しました: %v", err)
		}
	}

	// A を切断
	cancelA()

	select {
	case ev := <-disconnected:
		if ev.Transport != transportMJPEG {
			t.Errorf("予期しないトランスポート: %s", ev.Transport)
		}
		if ev.Reason != "client_gone" && ev.Reason != "write_error" {
			t.Errorf("予期しない切断理由: %s", ev.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("切断イベントがタイムアウトしました")
	}

	// B は影響を受けずに受信を続ける
	var last uint64
	for i := 0; i < 10; i++ {
		p, err := readPart(mrB)
		if err != nil {
			t.Fatalf("クライアントBの読み込みに失敗しました: %v", err)
		}
		if p.seq <= last {
			t.Errorf("フレーム番号が増加していません: %d -> %d", last, p.seq)
		}
		last = p.seq
	}
}

func TestVideoFeed_LateJoinerStartsAtLatest(t *testing.T) {
	_, slot, _, ts := newTestServer(t, testConfig(), nil)

	for i := 0; i < 5; i++ {
		slot.Publish(testFrame(t, byte(i*10)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, mr := openStream(t, ctx, ts.URL)
	defer resp.Body.Close()

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("最初のパートの読み込みに失敗しました: %v", err)
	}
	if got := part.Header.Get("X-Frame-Sequence"); got != "5" {
		t.Errorf("途中参加のクライアントは最新フレームから始まるべき: got %s, want 5", got)
	}

	slot.Publish(testFrame(t, 200))

	p, err := readPart(mr)
	if err != nil {
		t.Fatalf("2番目のパートの読み込みに失敗しました: %v", err)
	}
	if p.seq != 6 {
		t.Errorf("予期しないフレーム番号: got %d, want 6", p.seq)
	}
}

func TestVideoFeed_ResendLatestFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.ResendInterval = config.Duration(20 * time.Millisecond)
	_, slot, _, ts := newTestServer(t, cfg, nil)

	slot.Publish(testFrame(t, 50))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, mr := openStream(t, ctx, ts.URL)
	defer resp.Body.Close()

	var first []byte
	for i := 0; i < 3; i++ {
		p, err := readPart(mr)
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗しました: %v", i, err)
		}
		if p.seq != 1 {
			t.Errorf("同じフレームが再送されるべき: got seq %d", p.seq)
		}
		if first == nil {
			first = p.data
		} else if !bytes.Equal(first, p.data) {
			t.Error("再送されたJPEGが最初の送信と一致しません")
		}
	}
}

func TestVideoFeed_SkipsFramesThatFailToEncode(t *testing.T) {
	jpegEncoder := frame.NewJPEGEncoder(80)
	encoder := frame.EncoderFunc(func(f frame.Frame) ([]byte, error) {
		if f.Seq%2 == 1 {
			return nil, errors.New("奇数フレームは失敗")
		}
		return jpegEncoder.Encode(f)
	})

	_, slot, _, ts := newTestServer(t, testConfig(), encoder)
	startPublisher(t, slot, 3*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, mr := openStream(t, ctx, ts.URL)
	defer resp.Body.Close()

	for i := 0; i < 5; i++ {
		p, err := readPart(mr)
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗しました: %v", i, err)
		}
		if p.seq%2 != 0 {
			t.Errorf("エンコードに失敗したフレームが送信されました: seq %d", p.seq)
		}
	}
}

func TestVideoFeed_Unavailable(t *testing.T) {
	t.Run("デバイスが見つからない", func(t *testing.T) {
		cfg := testConfig()
		cfg.Stream.FirstFrameTimeout = config.Duration(10 * time.Second)
		_, slot, _, ts := newTestServer(t, cfg, nil)

		slot.Close(fmt.Errorf("%w (候補: [0 1 2])", camera.ErrDeviceUnavailable))

		start := time.Now()
		resp, err := http.Get(ts.URL + "/video_feed")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		if time.Since(start) > 2*time.Second {
			t.Error("停止済みのスロットで待機すべきではありません")
		}
		assertUnavailable(t, resp)
	})

	t.Run("最初のフレームがタイムアウト", func(t *testing.T) {
		cfg := testConfig()
		cfg.Stream.FirstFrameTimeout = config.Duration(50 * time.Millisecond)
		_, _, _, ts := newTestServer(t, cfg, nil)

		resp, err := http.Get(ts.URL + "/video_feed")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		assertUnavailable(t, resp)
	})

	t.Run("スナップショット", func(t *testing.T) {
		_, slot, _, ts := newTestServer(t, testConfig(), nil)
		slot.Close(nil)

		resp, err := http.Get(ts.URL + "/snapshot.jpg")
		if err != nil {
			t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
		}
		defer resp.Body.Close()

		assertUnavailable(t, resp)
	})
}

// assertUnavailable は 503 とエラーレスポンスを検証する
func assertUnavailable(t *testing.T, resp *http.Response) {
	t.Helper()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After ヘッダーがありません")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("レスポンスの読み込みに失敗しました: %v", err)
	}
	validateResponse(t, resp.Request.URL.Path, resp.StatusCode, data)

	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("エラーレスポンスの解析に失敗しました: %v", err)
	}
	if body.Error != "camera_unavailable" {
		t.Errorf("予期しないエラー種別: %s", body.Error)
	}
	if body.Details == nil || *body.Details == "" {
		t.Error("詳細が含まれていません")
	}
}

func TestSnapshot(t *testing.T) {
	_, slot, _, ts := newTestServer(t, testConfig(), nil)
	slot.Publish(testFrame(t, 10))
	slot.Publish(testFrame(t, 20))

	resp, err := http.Get(ts.URL + "/snapshot.jpg")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("予期しないContent-Type: %s", got)
	}
	if got := resp.Header.Get("X-Frame-Sequence"); got != "2" {
		t.Errorf("最新フレームが返されるべき: got %s, want 2", got)
	}
	if _, err := jpeg.Decode(resp.Body); err != nil {
		t.Errorf("JPEGとしてデコードできません: %v", err)
	}
}

func TestWebSocket(t *testing.T) {
	t.Run("フレームをバイナリメッセージで受信", func(t *testing.T) {
		_, slot, _, ts := newTestServer(t, testConfig(), nil)
		startPublisher(t, slot, 5*time.Millisecond)

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("WebSocketの接続に失敗しました: %v", err)
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for i := 0; i < 3; i++ {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("メッセージ %d の受信に失敗しました: %v", i, err)
			}
			if messageType != websocket.BinaryMessage {
				t.Errorf("予期しないメッセージ種別: %d", messageType)
			}
			if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
				t.Errorf("JPEGとしてデコードできません: %v", err)
			}
		}
	})

	t.Run("カメラが無い場合はアップグレードしない", func(t *testing.T) {
		_, slot, _, ts := newTestServer(t, testConfig(), nil)
		slot.Close(camera.ErrDeviceUnavailable)

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("ErrBadHandshake を期待しました: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
		}
	})
}

// fetchStatus は /api/status を取得する
func fetchStatus(t *testing.T, url string) StatusResponse {
	t.Helper()

	resp, err := http.Get(url + "/api/status")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("レスポンスの読み込みに失敗しました: %v", err)
	}
	validateResponse(t, "/api/status", resp.StatusCode, body)

	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("ステータスの解析に失敗しました: %v", err)
	}
	return status
}

// validateResponse は JSON レスポンスを OpenAPI 定義のスキーマで検証する
func validateResponse(t *testing.T, path string, status int, body []byte) {
	t.Helper()

	item := apiDoc.Paths.Find(path)
	if item == nil || item.Get == nil {
		t.Fatalf("%s がAPI定義にありません", path)
	}
	ref := item.Get.Responses.Status(status)
	if ref == nil || ref.Value == nil {
		t.Fatalf("%s のステータス %d がAPI定義にありません", path, status)
	}
	media := ref.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		t.Fatalf("%s のステータス %d にJSONスキーマがありません", path, status)
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		t.Fatalf("JSONの解析に失敗しました: %v", err)
	}
	if err := media.Schema.Value.VisitJSON(value); err != nil {
		t.Errorf("%s のレスポンスがAPI定義と一致しません: %v", path, err)
	}
}

// eventually は cond が true になるまで待つ
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s がタイムアウトしました", what)
}

func TestStatus(t *testing.T) {
	srv, slot, _, ts := newTestServer(t, testConfig(), nil)
	cam := srv.camera.(*stubCamera)

	status := fetchStatus(t, ts.URL)
	if status.Camera.State != camera.StatusInactive || status.Camera.Index != nil {
		t.Errorf("初期状態は inactive であるべき: got %+v", status.Camera)
	}
	if status.Stream.ClientCount != 0 {
		t.Errorf("予期しないクライアント数: %d", status.Stream.ClientCount)
	}

	settings := camera.Settings{Width: testWidth, Height: testHeight, FPS: 30}
	cam.set(camera.State{
		Status:   camera.StatusActive,
		Index:    2,
		Name:     "USB Camera",
		Settings: settings,
		Since:    time.Now(),
	})

	status = fetchStatus(t, ts.URL)
	if status.Camera.State != camera.StatusActive {
		t.Errorf("予期しない状態: %s", status.Camera.State)
	}
	if status.Camera.Index == nil || *status.Camera.Index != 2 {
		t.Errorf("予期しないデバイス番号: %v", status.Camera.Index)
	}
	if status.Camera.Settings == nil || *status.Camera.Settings != settings {
		t.Errorf("予期しない撮影モード: %+v", status.Camera.Settings)
	}
	if status.Camera.Name != "USB Camera" {
		t.Errorf("予期しないカメラ名: %s", status.Camera.Name)
	}

	startPublisher(t, slot, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	resp, mr := openStream(t, ctx, ts.URL)
	defer resp.Body.Close()
	if _, err := readPart(mr); err != nil {
		t.Fatalf("パートの読み込みに失敗しました: %v", err)
	}

	// 最初のパートを受け取った時点で登録済み
	status = fetchStatus(t, ts.URL)
	if status.Stream.ClientCount != 1 {
		t.Fatalf("予期しないクライアント数: %d", status.Stream.ClientCount)
	}
	if status.Stream.Clients[0].Transport != transportMJPEG {
		t.Errorf("予期しないトランスポート: %s", status.Stream.Clients[0].Transport)
	}
	if status.Stream.LatestSeq == 0 || status.Stream.LastFrameAt == nil {
		t.Errorf("最新フレームの情報がありません: %+v", status.Stream)
	}

	cancel()
	eventually(t, "クライアントの削除", func() bool {
		return fetchStatus(t, ts.URL).Stream.ClientCount == 0
	})

	cam.set(camera.State{
		Status:   camera.StatusStopped,
		Index:    2,
		Name:     "USB Camera",
		Settings: settings,
		Err:      fmt.Errorf("%w: unplugged", camera.ErrReadFailure),
		Since:    time.Now(),
	})
	status = fetchStatus(t, ts.URL)
	if status.Camera.State != camera.StatusStopped {
		t.Errorf("予期しない状態: %s", status.Camera.State)
	}
	if !strings.Contains(status.Camera.Error, "unplugged") {
		t.Errorf("予期しない停止理由: %s", status.Camera.Error)
	}
	if status.Camera.Index == nil || *status.Camera.Index != 2 {
		t.Errorf("停止後もデバイス番号が残るべき: %v", status.Camera.Index)
	}
}

func TestStatus_WithoutCameraSource(t *testing.T) {
	srv := New(testConfig(), frame.NewSlot(), frame.NewJPEGEncoder(80), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if state := fetchStatus(t, ts.URL).Camera.State; state != camera.StatusInactive {
		t.Errorf("予期しない状態: %s", state)
	}
}

func TestStatus_ShortLivedClients(t *testing.T) {
	srv, slot, _, ts := newTestServer(t, testConfig(), nil)
	startPublisher(t, slot, time.Millisecond)

	// 接続と切断が連続しても登録が残らない
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/video_feed", nil)
			if err != nil {
				errs <- err
				return
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if _, err := io.ReadFull(resp.Body, make([]byte, 64)); err != nil {
				errs <- err
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := srv.connect(transportWebSocket, "192.0.2.1:1234")
			srv.disconnect(client, "closed")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ストリームの受信に失敗しました: %v", err)
	}

	eventually(t, "全クライアントの削除", func() bool {
		return fetchStatus(t, ts.URL).Stream.ClientCount == 0
	})

	// 遅れて反映されるものがないこと
	time.Sleep(100 * time.Millisecond)
	status := fetchStatus(t, ts.URL)
	if status.Stream.ClientCount != 0 || len(status.Stream.Clients) != 0 {
		t.Errorf("切断済みのクライアントが残っています: %d", status.Stream.ClientCount)
	}
}

func TestServer_NotifiesCameraStatus(t *testing.T) {
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	socket := filepath.Join(dir, "notify")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram ソケットを作成できません: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", socket)

	srv, _, bus, _ := newTestServer(t, testConfig(), nil)

	now := time.Now()
	events.Publish(bus, events.CameraOpenedEvent{Index: 2, Name: "USB Camera", Width: 640, Height: 480, FPS: 30, Timestamp: now})

	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("通知を受信できませんでした: %v", err)
	}
	if got := string(buf[:n]); got != "STATUS=配信中: USB Camera [2] 640x480@30fps" {
		t.Errorf("予期しない通知: %q", got)
	}

	// 古い通知で上書きしない
	srv.notifyStatus(now.Add(-time.Second), "古い状態")
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("古い通知が送信されました: %q", buf[:n])
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig()
	slot := frame.NewSlot()
	bus := events.New()
	defer bus.Close()
	srv := New(cfg, slot, frame.NewJPEGEncoder(80), bus, nil)
	startPublisher(t, slot, 5*time.Millisecond)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗しました: %v", err)
	}
	baseURL := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve(ctx, ln)
	}()

	// サーバーが応答することを確認
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	streamResp, mr := openStream(t, context.Background(), baseURL)
	defer streamResp.Body.Close()
	if _, err := readPart(mr); err != nil {
		t.Fatalf("パートの読み込みに失敗しました: %v", err)
	}

	// 配信中のストリームがあってもシャットダウンが完了する
	streamDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, streamResp.Body)
		close(streamDone)
	}()

	cancel()

	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("シャットダウンでエラーが発生しました: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("シャットダウンがタイムアウトしました")
	}

	select {
	case <-streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("ストリームが終了しませんでした")
	}

	// 2回目の Shutdown は何もしない
	if err := srv.Shutdown(); err != nil {
		t.Errorf("2回目のShutdownでエラーが発生しました: %v", err)
	}
}

func TestServer_URL(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 5000
	srv := New(cfg, frame.NewSlot(), frame.NewJPEGEncoder(80), nil, nil)

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 18080}
	if got := srv.URL(addr); got != "http://127.0.0.1:18080" {
		t.Errorf("予期しないURL: %s", got)
	}
}
