package cmd

import (
	"fmt"
	"os"

	"async-network/cmd/browse"
	"async-network/cmd/send"
	"async-network/cmd/serve"
	"async-network/cmd/util"

	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "asyncnet",
		Short: "exchange objects over framed streams",
		Long: fmt.Sprintf(`asyncnet (v%s)

Send typed objects between processes over a 12-byte framed stream, with
request/response correlation and optional service discovery.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of asyncnet",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("asyncnet v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(send.SendCmd)
	RootCmd.AddCommand(browse.BrowseCmd)
	RootCmd.AddCommand(versionCmd)

	util.AddCommonFlags(RootCmd)
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
