// Package netutil はネットワーク関連の補助関数を提供する。
package netutil

import (
	"net"
)

// probeAddr は外向きインターフェースを選ばせるための宛先
// UDP の Dial はパケットを送らないため到達可能である必要はない。
const probeAddr = "10.255.255.255:1"

// LoopbackIP は外向きアドレスが取得できない場合の代替
const LoopbackIP = "127.0.0.1"

// OutboundIP はホストの主たる外向きインターフェースの IPv4 アドレスを返す
// 取得に失敗した場合は 127.0.0.1 を返す。
func OutboundIP() string {
	return outboundIP(probeAddr)
}

func outboundIP(target string) string {
	conn, err := net.Dial("udp4", target)
	if err != nil {
		return LoopbackIP
	}
	defer func() {
		_ = conn.Close()
	}()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return LoopbackIP
	}
	return addr.IP.String()
}

// DisplayHost は待ち受けホストからブラウザで開ける URL のホスト部を決める
// 全インターフェース（0.0.0.0, ::, 空）で待ち受ける場合は外向きアドレスを使う。
func DisplayHost(listenHost string) string {
	switch listenHost {
	case "", "0.0.0.0", "::", "[::]":
		return OutboundIP()
	default:
		return listenHost
	}
}
