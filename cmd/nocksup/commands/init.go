package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with a fresh device id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", configPath)
			}
			if conf.DeviceID == "" {
				conf.DeviceID = uuid.NewString()
			}
			if err := conf.Save(configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\nDevice: %s\n", configPath, conf.DeviceID)
			if conf.Endpoint == "" || (conf.RootKey == "" && conf.RootKeyFile == "") {
				fmt.Println("Set endpoint and root_key_file before running.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
