package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/nocksup/pkg/store"
)

func logoutCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Unlink this device and delete its stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if offline {
				st, closeStore, err := sessionStore()
				if err != nil {
					return err
				}
				defer closeStore()
				id := conf.DeviceID
				if id == "" {
					return errors.New("device_id is required for an offline logout")
				}
				if err := st.Delete(cmd.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				if rs, ok := st.(store.RatchetStore); ok {
					if err := rs.DeleteRatchets(cmd.Context(), id); err != nil {
						return err
					}
				}
				fmt.Println("Local session deleted")
				return nil
			}

			c, closeStore, err := newClient(nil)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := c.Connect(cmd.Context()); err != nil {
				_ = c.Disconnect()
				return fmt.Errorf("connect: %w (use --offline to only drop the local session)", err)
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only delete the local session")
	return cmd
}
