package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy はデバイス検出の候補と再試行の方針
type Policy struct {
	Candidates []int         // 試行するデバイス番号（この順番で試す）
	Attempts   int           // 候補リスト全体を試す回数（1未満は1として扱う）
	RetryDelay time.Duration // 試行の間隔
}

// Discover は候補を順番に開き、試し読みでフレームを返した最初のデバイスを採用する
//
// 試し読みに失敗したハンドルは次の候補に進む前に解放する。どの候補も採用できなかった
// 場合は候補ごとの原因を含めた ErrDeviceUnavailable を返す。
func Discover(ctx context.Context, driver Driver, policy Policy, requested Settings, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(policy.Candidates) == 0 {
		return nil, fmt.Errorf("%w: 候補がありません", ErrDeviceUnavailable)
	}

	attempts := max(policy.Attempts, 1)

	var causes []error
	for attempt := 1; attempt <= attempts; attempt++ {
		causes = causes[:0]

		for _, index := range policy.Candidates {
			// コンテキストのキャンセルをチェック
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			device, err := Probe(ctx, driver, index, requested)
			if err != nil {
				logger.Debug("候補を採用できません",
					"driver", driver.Name(),
					"index", index,
					"attempt", attempt,
					"error", err)
				causes = append(causes, err)
				continue
			}

			logger.Info("カメラを採用しました",
				"driver", driver.Name(),
				"index", device.Index,
				"name", device.Name,
				"mode", device.Settings.String())
			if device.Settings != requested {
				logger.Info("ドライバが要求と異なる撮影モードを採用しました",
					"requested", requested.String(),
					"actual", device.Settings.String())
			}
			return device, nil
		}

		if attempt < attempts {
			logger.Warn("カメラが見つかりません。再試行します",
				"attempt", attempt,
				"attempts", attempts,
				"retry_delay", policy.RetryDelay)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.RetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("%w (候補: %v): %w", ErrDeviceUnavailable, policy.Candidates, errors.Join(causes...))
}

// Probe は1つの候補を開いて試し読みする
// 成功した場合、呼び出し側が Device.Handle を閉じる責任を持つ。
func Probe(ctx context.Context, driver Driver, index int, requested Settings) (*Device, error) {
	handle, err := driver.Open(ctx, index, requested)
	if err != nil {
		return nil, fmt.Errorf("デバイス %d を開けません: %w", index, err)
	}

	first, err := handle.Read()
	if err == nil {
		err = first.Validate()
	}
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("デバイス %d の試し読みに失敗: %w", index, err)
	}

	return &Device{
		Index:    index,
		Name:     deviceName(ctx, driver, index),
		Handle:   handle,
		First:    first,
		Settings: handle.Settings(),
	}, nil
}
