// Command mxrelay runs the SMTP receiving server and durable outbound
// relay pipeline: run loads a configuration file and serves until
// interrupted; config-check only parses it.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/mxrelay/mxrelay/framework/log"
	"github.com/mxrelay/mxrelay/internal/coreconfig"
)

func main() {
	app := &cli.App{
		Name:  "mxrelay",
		Usage: "SMTP receiving server and durable outbound relay",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "start the server",
				ArgsUsage: "<config-file>",
				Action:    runCmd,
			},
			{
				Name:      "config-check",
				Usage:     "parse the configuration file and exit",
				ArgsUsage: "<config-file>",
				Action:    configCheckCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("mxrelay", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (coreconfig.Config, error) {
	path := c.Args().First()
	if path == "" {
		return coreconfig.Config{}, fmt.Errorf("usage: %s <config-file>", c.Command.FullName())
	}
	f, err := os.Open(path)
	if err != nil {
		return coreconfig.Config{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return coreconfig.Load(f, path)
}

func configCheckCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: %d listener(s), spool type %q\n", len(cfg.Listeners), cfg.Spool.Type)
	return nil
}

func runCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := log.DefaultLogger

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" {
		tlsConfig, err = buildTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("loading TLS materials: %w", err)
		}
	}

	app, err := wireApp(cfg, tlsConfig, logger)
	if err != nil {
		return fmt.Errorf("wiring server: %w", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener stopped", err)
			}
		}()
		logger.Msg("metrics listening", "addr", cfg.MetricsAddr)
	}

	if err := app.server.ListenAndServe(app.listenerSpecs); err != nil {
		return fmt.Errorf("binding listeners: %w", err)
	}
	logger.Msg("listening", "listeners", len(app.listenerSpecs))

	spoolCtx, cancelSpool := context.WithCancel(context.Background())
	go app.spooler.Run(spoolCtx)
	defer cancelSpool()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Msg("shutting down")

	app.spooler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout())
	defer cancel()
	return app.server.Shutdown(ctx)
}

func buildTLSConfig(cfg coreconfig.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "tls1.3" {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
