package camera

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// v4l2ctlTimeout は v4l2-ctl 1回あたりの上限
const v4l2ctlTimeout = 5 * time.Second

var (
	deviceNumberPattern = regexp.MustCompile(`(\d+)$`)
	formatLinePattern   = regexp.MustCompile(`\[\d+\]: '`)
)

// FallbackCandidates は走査で何も見つからなかった場合の候補
var FallbackCandidates = []int{0, 1, 2}

// ScanIndices は pattern（例: /dev/video%d）に一致するデバイスを走査し、
// 番号順のデバイス番号を返す
// v4l2-ctl がフォーマットを1つも返さないノード（UVC のメタデータ用など）は除外する。
// 何も見つからない場合は FallbackCandidates のコピーを返す。
func ScanIndices(ctx context.Context, pattern string) []int {
	matches, err := filepath.Glob(strings.Replace(pattern, "%d", "*", 1))
	if err != nil || len(matches) == 0 {
		return slices.Clone(FallbackCandidates)
	}

	var indices []int
	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		if ctx.Err() != nil {
			break
		}

		num := extractDeviceNumber(match)
		if num < 0 {
			continue
		}
		if !isCaptureDevice(ctx, match) {
			continue
		}
		indices = append(indices, num)
	}

	if len(indices) == 0 {
		return slices.Clone(FallbackCandidates)
	}

	// デバイス番号でソート
	sort.Ints(indices)
	return indices
}

// DevicePath はデバイス番号からデバイスパスを作る
func DevicePath(pattern string, index int) string {
	return fmt.Sprintf(pattern, index)
}

// V4L2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
// 取得できない場合は空文字を返す。
func V4L2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, v4l2ctlTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

// parseCardType は "Card type" の行からカメラ名を抽出する
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// isCaptureDevice はデバイスが映像フォーマットを持つか判定する
// v4l2-ctl が使えない場合は判定できないため true を返し、デバイス検出に任せる。
func isCaptureDevice(ctx context.Context, device string) bool {
	ctx, cancel := context.WithTimeout(ctx, v4l2ctlTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return true
	}
	return hasVideoFormats(string(output))
}

// hasVideoFormats は --list-formats-ext の出力にフォーマット行があるか判定する
func hasVideoFormats(output string) bool {
	return formatLinePattern.MatchString(output)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
// 番号が無い場合は -1 を返す。
func extractDeviceNumber(device string) int {
	// /dev/videoXX から XX を抽出
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return -1
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return -1
	}
	return num
}
