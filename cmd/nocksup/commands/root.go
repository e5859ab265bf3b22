// Package commands implements the nocksup command line
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/config"
	"github.com/ZentaChain/nocksup/pkg/logging"
	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/store"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	endpoint   string
	deviceID   string
	rootKey    string
	storeKind  string
	storePath  string
	passphrase string

	conf   *config.File
	logger *zap.Logger
)

// Execute runs the root command
func Execute() error {
	root := &cobra.Command{
		Use:           "nocksup",
		Short:         "Companion-device client for an end-to-end encrypted messaging service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configPath = filepath.Join(dir, ".nocksup", "config.yaml")
			}
			f, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, f)
			conf = f

			logger, err = logging.New(f.Log.Level, f.Log.Format)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default ~/.nocksup/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console or json)")
	flags.StringVar(&endpoint, "endpoint", "", "service multiaddr, e.g. /dns4/example.org/tcp/443/wss")
	flags.StringVar(&deviceID, "device", "", "local device id")
	flags.StringVar(&rootKey, "root-key", "", "PEM file holding the service root public key")
	flags.StringVar(&storeKind, "store", "", "session store backend (memory, file, sqlite)")
	flags.StringVar(&storePath, "store-path", "", "session store location")
	flags.StringVarP(&passphrase, "passphrase", "p", "", "passphrase encrypting the stored session")

	root.AddCommand(initCmd(), runCmd(), pairCmd(), statusCmd(), logoutCmd())
	return root.Execute()
}

// applyFlags lets explicitly set flags override the file
func applyFlags(cmd *cobra.Command, f *config.File) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("log-level", &f.Log.Level, logLevel)
	set("log-format", &f.Log.Format, logFormat)
	set("endpoint", &f.Endpoint, endpoint)
	set("device", &f.DeviceID, deviceID)
	set("store", &f.Store.Backend, storeKind)
	set("store-path", &f.Store.Path, storePath)
	set("passphrase", &f.Store.Passphrase, passphrase)
	if cmd.Flags().Changed("root-key") {
		f.RootKeyFile = rootKey
		f.RootKey = ""
	}
}

// newClient builds a client from the loaded configuration. The returned
// func closes the store.
func newClient(reg prometheus.Registerer) (*network.Client, func() error, error) {
	cfg, err := conf.Client()
	if err != nil {
		return nil, nil, err
	}
	st, closeStore, err := conf.OpenStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cfg.Logger = logger
	cfg.Metrics = network.NewMetrics(reg)

	c, err := network.NewClient(cfg, st)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return c, closeStore, nil
}

// sessionStore opens the store without a client, for offline commands
func sessionStore() (store.Store, func() error, error) {
	return conf.OpenStore()
}
