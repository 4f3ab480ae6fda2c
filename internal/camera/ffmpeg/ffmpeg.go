// Package ffmpeg は ffmpeg のサブプロセス経由で V4L2 デバイスからフレームを取得するドライバ
//
// ffmpeg に rawvideo (bgr24) を標準出力へ書かせ、1フレーム分のバイト数ずつ読み取る。
// 撮影モードは ffmpeg が出力する入力ストリーム情報から取得するため、デバイスが
// 要求と異なる解像度を採用した場合もそのまま受け入れる。
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"camfeed/internal/camera"
	"camfeed/internal/frame"
)

// startTimeout は ffmpeg がストリーム情報を出力するまでの上限
const startTimeout = 10 * time.Second

// stderrTailLines はエラー報告用に保持する stderr の行数
const stderrTailLines = 8

var (
	streamPattern = regexp.MustCompile(`Stream #\d+:\d+.*Video: .*?, (\d{1,5})x(\d{1,5})`)
	fpsPattern    = regexp.MustCompile(`([\d.]+) fps`)
)

// ErrNoStreamInfo は ffmpeg がストリーム情報を出力せずに終了したことを表す
var ErrNoStreamInfo = errors.New("ffmpeg exited before reporting stream info")

func init() {
	camera.Register("ffmpeg", New)
}

// Driver は ffmpeg を使う camera.Driver 実装
type Driver struct {
	path    string
	pattern string
	logger  *slog.Logger
}

// New は新しい Driver を作成する
func New(opts camera.Options) (camera.Driver, error) {
	path := opts.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg が見つかりません: %w", err)
	}

	pattern := opts.DevicePattern
	if pattern == "" {
		pattern = "/dev/video%d"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		path:    resolved,
		pattern: pattern,
		logger:  logger,
	}, nil
}

// Name implements camera.Driver.
func (d *Driver) Name() string {
	return "ffmpeg"
}

// DeviceName implements camera.Namer.
func (d *Driver) DeviceName(ctx context.Context, index int) string {
	return camera.V4L2DeviceName(ctx, camera.DevicePath(d.pattern, index))
}

// Open は ffmpeg を起動し、入力ストリームの情報が得られるまで待つ
func (d *Driver) Open(ctx context.Context, index int, requested camera.Settings) (camera.Handle, error) {
	device := camera.DevicePath(d.pattern, index)
	if _, err := os.Stat(device); err != nil {
		return nil, fmt.Errorf("デバイスが利用できません: %w", err)
	}

	cmd := exec.Command(d.path, buildArgs(device, requested)...)

	// Wait がプロセス終了時に閉じないように stdout は自前のパイプにする
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	cmd.Stdout = stdoutWriter

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutWriter.Close()
		return nil, fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	err = cmd.Start()
	_ = stdoutWriter.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	h := &handle{
		cmd:    cmd,
		stdout: stdout,
		device: device,
		logger: d.logger.With("device", device),
		exited: make(chan struct{}),
	}

	info := make(chan camera.Settings, 1)
	go h.watchStderr(stderr, requested, info)

	select {
	case settings := <-info:
		return h.ready(settings), nil
	case <-h.exited:
		// 情報を出力した直後に終了した場合も、出力済みのフレームは読める
		select {
		case settings := <-info:
			return h.ready(settings), nil
		default:
		}
		_ = h.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoStreamInfo, h.stderrTail())
	case <-ctx.Done():
		_ = h.Close()
		return nil, ctx.Err()
	case <-time.After(startTimeout):
		_ = h.Close()
		return nil, fmt.Errorf("ffmpegの起動がタイムアウトしました (%s): %s", startTimeout, h.stderrTail())
	}
}

// buildArgs は ffmpeg の引数を作る
func buildArgs(device string, requested camera.Settings) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", "info",
		"-f", "v4l2",
	}
	if requested.FPS > 0 {
		args = append(args, "-framerate", strconv.FormatFloat(requested.FPS, 'f', -1, 64))
	}
	if requested.Width > 0 && requested.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", requested.Width, requested.Height))
	}
	return append(args,
		"-i", device,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-",
	)
}

// parseStreamInfo は ffmpeg の "Stream #0:0: Video: ..." 行から撮影モードを取得する
func parseStreamInfo(line string) (camera.Settings, bool) {
	m := streamPattern.FindStringSubmatch(line)
	if m == nil {
		return camera.Settings{}, false
	}

	width, _ := strconv.Atoi(m[1])
	height, _ := strconv.Atoi(m[2])
	if width == 0 || height == 0 {
		return camera.Settings{}, false
	}

	settings := camera.Settings{Width: width, Height: height}
	if f := fpsPattern.FindStringSubmatch(line); f != nil {
		settings.FPS, _ = strconv.ParseFloat(f[1], 64)
	}
	return settings, true
}

// handle は起動中の ffmpeg プロセス
type handle struct {
	cmd       *exec.Cmd
	stdout    *os.File
	device    string
	logger    *slog.Logger
	settings  camera.Settings
	frameSize int

	tailMu sync.Mutex
	tail   []string

	exited    chan struct{}
	closeOnce sync.Once
}

// watchStderr は stderr を読み続け、最初の入力ストリーム情報を info に送る
// stderr が閉じたら (プロセス終了) exited を閉じる。
func (h *handle) watchStderr(stderr io.Reader, requested camera.Settings, info chan<- camera.Settings) {
	defer func() {
		_ = h.cmd.Wait() // 終了コードは stderr の内容で報告する
		close(h.exited)
	}()

	reported := false
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLogLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.appendTail(line)

		if reported {
			continue
		}
		if settings, ok := parseStreamInfo(line); ok {
			if settings.FPS == 0 {
				settings.FPS = requested.FPS
			}
			info <- settings
			reported = true
		}
	}

	// 解析を打ち切った後も stderr は最後まで読み捨てる
	if err := scanner.Err(); err != nil {
		h.logger.Debug("stderrの解析を中断しました", "error", err)
	}
	_, _ = io.Copy(io.Discard, stderr)
}

// scanLogLines は \n と \r のどちらも行末として扱う bufio.SplitFunc
// ffmpeg の進捗表示は \r で区切られる。
func scanLogLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (h *handle) appendTail(line string) {
	h.tailMu.Lock()
	defer h.tailMu.Unlock()
	h.tail = append(h.tail, line)
	if len(h.tail) > stderrTailLines {
		h.tail = h.tail[len(h.tail)-stderrTailLines:]
	}
}

func (h *handle) stderrTail() string {
	h.tailMu.Lock()
	defer h.tailMu.Unlock()
	return strings.Join(h.tail, " | ")
}

// Read は1フレーム分の bgr24 データを読み取る
func (h *handle) Read() (frame.Frame, error) {
	pix := make([]byte, h.frameSize)
	if _, err := io.ReadFull(h.stdout, pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return frame.Frame{}, fmt.Errorf("ffmpegの出力が終了しました: %w (stderr: %s)", err, h.stderrTail())
		}
		return frame.Frame{}, fmt.Errorf("フレーム読み取りエラー: %w", err)
	}
	return frame.New(h.settings.Width, h.settings.Height, frame.FormatBGR24, pix)
}

// ready は撮影モードを確定させる
func (h *handle) ready(settings camera.Settings) *handle {
	h.settings = settings
	h.frameSize = settings.Width * settings.Height * frame.FormatBGR24.BytesPerPixel()
	h.logger.Debug("ffmpegを起動しました", "mode", settings.String())
	return h
}

// Settings implements camera.Handle.
func (h *handle) Settings() camera.Settings {
	return h.settings
}

// Close は ffmpeg を終了させ、プロセスの回収を待つ
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		if h.cmd.Process != nil {
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.logger.Debug("ffmpegの終了に失敗", "error", err)
			}
		}
		<-h.exited
		_ = h.stdout.Close()
	})
	return nil
}
