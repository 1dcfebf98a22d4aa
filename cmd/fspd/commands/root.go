package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configFile overrides fsconfig's default "~/.fsp/server_config" archive
// path; bound to both the --config flag and the FSPD_CONFIG env var.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "fspd",
	Short: "fspd runs a FileShare peer-to-peer node",
}

// Execute runs the root command, the single entry point main calls.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the server config archive (default ~/.fsp/server_config)")

	viper.SetEnvPrefix("FSPD")
	viper.AutomaticEnv()
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logrus.WithError(err).Fatal("failed to bind --config flag")
	}
}
