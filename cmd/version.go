package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version はビルド時に -ldflags "-X camfeed/cmd.Version=..." で設定する
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "バージョンを表示する",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "camfeed %s (%s %s/%s)\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
