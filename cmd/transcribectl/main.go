package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "transcribectl",
		Short:         "转写服务命令行工具",
		Long:          "通过 HTTP API 上传媒体文件、查询任务状态并下载转写结果。",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addGlobalFlags(rootCmd)

	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newTokenCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
