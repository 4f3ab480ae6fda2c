// Package metrics はキャプチャとストリーム配信の Prometheus メトリクスを提供する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "camfeed"

var (
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Total frames published by the capture loop",
	})

	readFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "read_failures_total",
		Help:      "Total camera read failures",
	})

	captureRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "running",
		Help:      "1 while the capture loop holds an open camera",
	})

	cameraIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "device_index",
		Help:      "Device index of the active camera, -1 when none",
	})

	activeClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "clients",
		Help:      "Currently connected stream clients",
	}, []string{"transport"})

	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "frames_sent_total",
		Help:      "Total JPEG frames written to clients",
	}, []string{"transport"})

	bytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "bytes_sent_total",
		Help:      "Total JPEG bytes written to clients",
	}, []string{"transport"})

	encodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "encode_failures_total",
		Help:      "Total frames skipped because JPEG encoding failed",
	})

	encodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "encode_seconds",
		Help:      "JPEG encode duration",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)

func init() {
	cameraIndex.Set(-1)
}

// FrameCaptured はキャプチャしたフレームを1枚数える
func FrameCaptured() {
	framesCaptured.Inc()
}

// ReadFailed はカメラ読み取りの失敗を1回数える
func ReadFailed() {
	readFailures.Inc()
}

// SetCaptureRunning はキャプチャループの稼働状態を設定する
func SetCaptureRunning(running bool, index int) {
	if running {
		captureRunning.Set(1)
		cameraIndex.Set(float64(index))
		return
	}
	captureRunning.Set(0)
	cameraIndex.Set(-1)
}

// ClientConnected は接続中クライアント数を増やす
func ClientConnected(transport string) {
	activeClients.WithLabelValues(transport).Inc()
}

// ClientDisconnected は接続中クライアント数を減らす
func ClientDisconnected(transport string) {
	activeClients.WithLabelValues(transport).Dec()
}

// FrameSent は送信したフレームとバイト数を数える
func FrameSent(transport string, size int) {
	framesSent.WithLabelValues(transport).Inc()
	bytesSent.WithLabelValues(transport).Add(float64(size))
}

// EncodeFailed はエンコード失敗を1回数える
func EncodeFailed() {
	encodeFailures.Inc()
}

// ObserveEncode はエンコード時間を記録する
func ObserveEncode(seconds float64) {
	encodeSeconds.Observe(seconds)
}
