package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			hc := &http.Client{Timeout: 5 * time.Second}
			resp, err := hc.Get("http://" + conf.API.Listen + "/api/v1/status")
			if err != nil {
				return fmt.Errorf("daemon not reachable on %s: %w", conf.API.Listen, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status: %s", resp.Status)
			}

			var info map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}
