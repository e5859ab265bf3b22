package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/nocksup/pkg/api"
	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/node"
)

func runCmd() *cobra.Command {
	var (
		listen string
		noAPI  bool
		method string
		phone  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and stay online, serving the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				conf.API.Listen = listen
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			c, closeStore, err := newClient(reg)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logEvents(c)
			printPairing(c)

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if c.NeedsPairing() {
				if err := beginPairing(ctx, c, method, phone); err != nil {
					_ = c.Disconnect()
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			if !noAPI {
				srv := api.NewServer(c, api.Config{
					Listen:     conf.API.Listen,
					EnableCORS: conf.API.CORS,
					RateLimit:  conf.API.RateLimit,
					Burst:      conf.API.Burst,
					Gatherer:   reg,
					Logger:     logger,
				})
				g.Go(func() error { return srv.ListenAndServe(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})
			err = g.Wait()

			logger.Info("shutting down")
			if derr := c.Disconnect(); derr != nil {
				logger.Warn("disconnect", zap.Error(derr))
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP API listen address (overrides api.listen)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the HTTP API")
	cmd.Flags().StringVar(&method, "pair", "scan", "pairing method when the device is not linked (scan or code)")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number for --pair=code")
	return cmd
}

// logEvents mirrors inbound traffic into the log
func logEvents(c *network.Client) {
	for _, kind := range []network.EventKind{network.EventMessage, network.EventReceipt, network.EventNotification, network.EventPresence} {
		c.Subscribe(kind, func(ev network.Event) {
			n := ev.Payload.(node.Node)
			logger.Info("inbound",
				zap.String("kind", string(ev.Kind)),
				zap.String("id", n.ID()),
				zap.String("from", n.GetAttr("from")))
		})
	}
	c.Subscribe(network.EventSessionInvalidated, func(ev network.Event) {
		logger.Warn("session invalidated, pairing required", zap.Any("info", ev.Payload))
	})
	c.Subscribe(network.EventError, func(ev network.Event) {
		logger.Error("client error", zap.Any("error", ev.Payload))
	})
}
