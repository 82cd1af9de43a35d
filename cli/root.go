// Package cli implements the varlinkctl commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mini-varlink/client"
	"mini-varlink/config"
	"mini-varlink/journal"
	"mini-varlink/loadbalance"
	"mini-varlink/logging"
	"mini-varlink/output"
	"mini-varlink/registry"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	address      string

	// Shared state set during PersistentPreRun
	cfg       *config.Config
	logger    *logging.Logger
	formatter output.Formatter
)

var rootCmd = &cobra.Command{
	Use:   "varlinkctl",
	Short: "Call varlink services over unix sockets",
	Long: `varlinkctl talks to varlink services: it routes a method call to an
endpoint serving the method's interface, sends it and prints the reply.

Endpoints come from the services section of the config file, from etcd when
etcd endpoints are configured, or from --address.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if outputFormat != "" {
			cfg.OutputFormat = outputFormat
		}

		logger = logging.New("varlinkctl")
		if err := logger.Configure(cfg.Logging); err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		formatter = output.NewFormatter(cfg.OutputFormat)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.varlink/config.yaml; .toml also accepted)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "unix socket to call, bypassing discovery")
}

// newClient builds a client for calls to iface. A non-empty addr bypasses
// discovery. The returned func releases the client and the journal.
func newClient(ctx context.Context, iface, addr string) (*client.Client, func(), error) {
	reg, closeReg, err := newRegistry(iface, addr)
	if err != nil {
		return nil, nil, err
	}
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		closeReg()
		return nil, nil, err
	}

	opts := []client.ClientOption{
		client.WithClientLogger(logger.Debug()),
		client.WithReadBufferSize(cfg.Client.ReadBufferSize),
	}
	var store *journal.Store
	if cfg.Journal.Enabled {
		store, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Printf("journal disabled: %v", err)
		} else {
			opts = append(opts, client.WithRecorder(store))
		}
	}

	c := client.NewClient(reg, bal, cfg.Client.PoolSize, opts...)
	return c, func() {
		c.Close()
		store.Close()
		closeReg()
	}, nil
}

func newRegistry(iface, addr string) (registry.Registry, func(), error) {
	switch {
	case addr != "":
		return registry.FromConfig(map[string][]config.InstanceConfig{
			iface: {{Address: addr}},
		}), func() {}, nil
	case len(cfg.Etcd.Endpoints) > 0:
		reg, err := registry.NewEtcd(cfg.Etcd.Endpoints, time.Duration(cfg.Etcd.DialTimeoutSeconds)*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	default:
		return registry.FromConfig(cfg.Services), func() {}, nil
	}
}
