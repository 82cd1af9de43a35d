// varlinkd serves the podman demo interface on a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mini-varlink/config"
	"mini-varlink/demo"
	"mini-varlink/logging"
	"mini-varlink/middleware"
	"mini-varlink/registry"
	"mini-varlink/server"
)

const shutdownTimeout = 5 * time.Second

var (
	cfgFile string
	socket  string
)

var rootCmd = &cobra.Command{
	Use:           "varlinkd",
	Short:         "Serve io.projectatomic.podman over varlink",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if socket != "" {
			cfg.Server.Socket = socket
		}

		logger := logging.New("varlinkd")
		if err := logger.Configure(cfg.Logging); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	sc := cfg.Server
	svr := server.NewServer(
		server.WithInfo(sc.Vendor, sc.Product, sc.Version, sc.URL),
		server.WithLogger(logger),
	)
	svr.Use(middleware.Logging(logger.Debug()))
	if sc.RateLimit > 0 {
		burst := sc.RateBurst
		if burst <= 0 {
			burst = 1
		}
		svr.Use(middleware.RateLimit(sc.RateLimit, burst))
	}
	if sc.TimeoutMillis > 0 {
		svr.Use(middleware.Timeout(time.Duration(sc.TimeoutMillis) * time.Millisecond))
	}
	if err := svr.Register(demo.Interface, demo.DefaultPodman(sc.Version)); err != nil {
		return err
	}

	var reg registry.Registry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := registry.NewEtcd(cfg.Etcd.Endpoints, time.Duration(cfg.Etcd.DialTimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	errc := make(chan error, 1)
	go func() {
		errc <- svr.Serve(sc.Socket, reg, cfg.Etcd.LeaseTTL)
	}()
	logger.Printf("serving %v on %s", svr.Interfaces(), sc.Socket)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Printf("shutting down")
	err := svr.Shutdown(shutdownTimeout)
	if rerr := os.Remove(sc.Socket); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		logger.Printf("remove socket: %v", rerr)
	}
	return err
}

func main() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is ~/.varlink/config.yaml)")
	rootCmd.Flags().StringVar(&socket, "socket", "", "unix socket to listen on (default from config, /run/io.projectatomic.podman)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
