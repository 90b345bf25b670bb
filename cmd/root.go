package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dShard/cmd/child"
	"github.com/ValentinKolb/dShard/cmd/manager"
	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dshard",
		Short: "sharded gateway cluster manager",
		Long: fmt.Sprintf(`dShard (v%s)

Runs the gateway shards of a Discord application in several child
processes while a single manager enforces the identify rate limit
across all of them.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dShard",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dShard v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(manager.ManageCmd)
	RootCmd.AddCommand(child.ChildCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer of the ipc channel (json, gob, binary)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
