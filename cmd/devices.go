package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"camfeed/internal/camera"
	"camfeed/internal/logging"
)

// newDevicesCmd は候補のデバイスを1台ずつ試す devices コマンドを作成する
func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "候補のカメラを試し読みして一覧表示する",
		Long: `設定されたドライバで候補のデバイス番号を1つずつ開き、
フレームを取得できるかと採用された撮影モードを表示します。`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logging.Initialize(cfg.Logging)

			driver, err := newDriver(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			candidates := resolveCandidates(ctx, cfg)

			fmt.Fprintf(out, "ドライバ: %s\n", driver.Name())
			fmt.Fprintf(out, "要求モード: %s\n\n", requestedSettings(cfg))

			found := 0
			for _, index := range candidates {
				device, err := camera.Probe(ctx, driver, index, requestedSettings(cfg))
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					fmt.Fprintf(out, "  [%d] 利用不可: %v\n", index, err)
					continue
				}
				found++
				fmt.Fprintf(out, "  [%d] %s  %s\n", index, device.Name, device.Settings)
				_ = device.Handle.Close()
			}

			if found == 0 {
				return fmt.Errorf("%w (候補: %v)", camera.ErrDeviceUnavailable, candidates)
			}
			return nil
		},
	}
}

// driverNames は登録済みドライバ名を表示用に連結する
func driverNames() string {
	return strings.Join(camera.Drivers(), ", ")
}
