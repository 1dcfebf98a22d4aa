package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fileshare-project/fsp/fsconfig"
	"github.com/fileshare-project/fsp/vfs"
)

var (
	initDeviceName string
	initDownloads  string
	initShareName  string
	initSharePath  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap this device's server and local configuration",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDeviceName, "device-name", "", "display name presented to peers (default: a generated uuid)")
	initCmd.Flags().StringVar(&initDownloads, "downloads", "", "directory incoming transfers are written under (default ~/Downloads/FileShare)")
	initCmd.Flags().StringVar(&initShareName, "share-name", "", "virtual name under which --share-path is exposed")
	initCmd.Flags().StringVar(&initSharePath, "share-path", "", "host directory to expose to peers under --share-name")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	serverCfg, err := fsconfig.NewServerConfig()
	if err != nil {
		return fmt.Errorf("fspd: init: %w", err)
	}
	if initDeviceName != "" {
		serverCfg.SetDeviceName(initDeviceName)
	}
	if err := serverCfg.Save(viper.GetString("config")); err != nil {
		return fmt.Errorf("fspd: init: saving server config: %w", err)
	}

	localCfg, err := fsconfig.NewConfig()
	if err != nil {
		return fmt.Errorf("fspd: init: %w", err)
	}
	if initDownloads != "" {
		if _, err := localCfg.SetDownloadsFolder(initDownloads); err != nil {
			return fmt.Errorf("fspd: init: %w", err)
		}
	}
	if (initShareName != "") != (initSharePath != "") {
		return fmt.Errorf("fspd: init: --share-name and --share-path must be given together")
	}
	if initShareName != "" {
		node, err := vfs.NewHostNode(initShareName, vfs.HostFolder, initSharePath, vfs.Visible)
		if err != nil {
			return fmt.Errorf("fspd: init: %w", err)
		}
		if err := localCfg.FileMapping().Root().AddChild(node); err != nil {
			return fmt.Errorf("fspd: init: %w", err)
		}
	}
	if err := localCfg.Save(""); err != nil {
		return fmt.Errorf("fspd: init: saving local config: %w", err)
	}

	fmt.Printf("device uuid: %s\n", serverCfg.UUID())
	fmt.Println("run 'fspd start' to begin listening for peers")
	return nil
}
