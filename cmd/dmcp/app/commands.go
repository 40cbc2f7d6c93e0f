// Package app provides the entry point for the dmcp command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deechat/dmcp/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "dmcp",
	DisableAutoGenTag: true,
	Short:             "dmcp is the DeeChat MCP client runtime",
	Long: `dmcp manages connections to MCP (Model Context Protocol) servers for the
DeeChat desktop application: stored server configurations in three
collections, five transport types, tool discovery and invocation, and a
local control API the desktop shell consumes.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		// Flags may change the log level; re-initialize after parsing.
		logger.Initialize()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the dmcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to the application config file")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("DMCP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newToolsCommand())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
