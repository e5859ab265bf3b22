package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

func pairCmd() *cobra.Command {
	var (
		method string
		phone  string
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link this device to an account and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := newClient(nil)
			if err != nil {
				return err
			}
			defer closeStore()
			defer c.Disconnect()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result := make(chan error, 1)
			c.Subscribe(network.EventPairingSucceeded, func(ev network.Event) {
				res := ev.Payload.(network.PairingResult)
				fmt.Printf("Paired as %s\n", res.JID)
				result <- nil
			})
			c.Subscribe(network.EventPairingFailed, func(ev network.Event) {
				select {
				case result <- ev.Payload.(error):
				default:
				}
			})
			printPairing(c)

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if !c.NeedsPairing() {
				fmt.Printf("Already paired as %s\n", c.Info().JID)
				return nil
			}
			if err := beginPairing(ctx, c, method, phone); err != nil {
				return err
			}

			select {
			case err := <-result:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().StringVar(&method, "method", protocol.PairMethodScan, "pairing method (scan or code)")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number of the account, required for --method=code")
	return cmd
}

func beginPairing(ctx context.Context, c *network.Client, method, phone string) error {
	switch method {
	case protocol.PairMethodScan:
		_, err := c.BeginScanPairing(ctx)
		return err
	case protocol.PairMethodCode:
		if phone == "" {
			return fmt.Errorf("--phone is required for code pairing")
		}
		_, err := c.BeginManualPairing(ctx, phone)
		return err
	default:
		return fmt.Errorf("unknown pairing method %q", method)
	}
}

// printPairing shows every issued code on stdout
func printPairing(c *network.Client) {
	c.Subscribe(network.EventPairingCodeIssued, func(ev network.Event) {
		pc := ev.Payload.(network.PairingCode)
		if pc.Method == protocol.PairMethodCode {
			fmt.Printf("Enter this code on your phone: %s\n", pc.Code)
		} else {
			fmt.Printf("Scan payload (render as QR): %s\n", pc.Code)
		}
		fmt.Printf("Expires at %s\n", pc.Expires.Format("15:04:05"))
	})
	c.Subscribe(network.EventPairingFailed, func(ev network.Event) {
		msg := fmt.Sprint(ev.Payload)
		fmt.Fprintf(os.Stderr, "Pairing failed: %s\n", strings.TrimSpace(msg))
	})
}
