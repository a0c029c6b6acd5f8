// Command chp is the CLI entrypoint: flag parsing, process lifecycle,
// and listener wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chp-go/chp/internal/api"
	"github.com/chp-go/chp/internal/config"
	"github.com/chp-go/chp/internal/errorpage"
	"github.com/chp-go/chp/internal/logging"
	"github.com/chp-go/chp/internal/proxy"
	"github.com/chp-go/chp/internal/server"
	"github.com/chp-go/chp/internal/store"
	"github.com/chp-go/chp/internal/wsproxy"
)

func main() {
	app := &cli.App{
		Name:  "chp",
		Usage: "a dynamically reconfigurable HTTP/WebSocket reverse proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ip", Usage: "public-facing IP of the proxy"},
			&cli.IntFlag{Name: "port", Value: 8000, Usage: "public-facing port of the proxy"},
			&cli.StringFlag{Name: "api-ip", Value: "localhost", Usage: "inward-facing IP for API requests"},
			&cli.IntFlag{Name: "api-port", Usage: "inward-facing port for API requests (default: port+1)"},
			&cli.StringFlag{Name: "default-target", Usage: "default proxy target (proto://host[:port])"},
			&cli.StringFlag{Name: "error-target", Usage: "alternate server for handling proxy errors"},
			&cli.StringFlag{Name: "error-path", Usage: "directory of static error pages"},
			&cli.BoolFlag{Name: "x-forward", Value: true, Usage: "add X-Forwarded-* headers to proxied requests"},
			&cli.BoolFlag{Name: "prepend-path", Value: true, Usage: "prepend target paths to proxied requests"},
			&cli.BoolFlag{Name: "include-prefix", Value: true, Usage: "include the routing prefix in proxied requests"},
			&cli.StringSliceFlag{Name: "custom-header", Usage: "custom header to add to proxied requests, as key:value (repeatable)"},
			&cli.BoolFlag{Name: "host-routing", Usage: "use host routing (host as first level of path)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level (debug, info, warn, error)"},
			&cli.IntFlag{Name: "timeout", Usage: "timeout (ms) before the proxy drops a request"},
			&cli.IntFlag{Name: "proxy-timeout", Usage: "timeout (ms) before the proxy gives up on the target's response"},
			&cli.StringFlag{Name: "storage-backend", Value: "memory", Usage: "route store backend: memory or database"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logging.L().Fatal().Err(err).Msg("chp exited with an error")
	}
}

func run(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logging.Configure(level, false)

	cfg := config.Default()
	cfg.IP = c.String("ip")
	cfg.Port = c.Int("port")
	cfg.APIIP = c.String("api-ip")
	cfg.APIPort = c.Int("api-port")
	cfg.DefaultTarget = c.String("default-target")
	cfg.ErrorTarget = c.String("error-target")
	cfg.ErrorPath = c.String("error-path")
	cfg.XForward = c.Bool("x-forward")
	cfg.PrependPath = c.Bool("prepend-path")
	cfg.IncludePrefix = c.Bool("include-prefix")
	cfg.HostRouting = c.Bool("host-routing")
	cfg.CustomHeaders = parseCustomHeaders(c.StringSlice("custom-header"))
	cfg.Timeout = time.Duration(c.Int("timeout")) * time.Millisecond
	cfg.ProxyTimeout = time.Duration(c.Int("proxy-timeout")) * time.Millisecond
	if c.String("storage-backend") == string(config.BackendDatabase) {
		cfg.StorageBackend = config.BackendDatabase
	}

	if err := cfg.Finalize(); err != nil {
		return err
	}

	s, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize route store: %w", err)
	}
	defer s.Close()

	if cfg.DefaultTarget != "" {
		if err := s.Add("/", store.Data{"target": cfg.DefaultTarget}); err != nil {
			return fmt.Errorf("failed to seed default_target: %w", err)
		}
	}

	errs := errorpage.New(cfg)
	res := proxy.NewResolver(s, cfg)
	httpProxy := proxy.New(s, cfg, errs)
	wsp := wsproxy.New(res, errs)
	apiSrv := api.New(s, cfg)

	dataPlane := server.NewDataPlane(cfg.ProxyAddr(), httpProxy, wsp)
	controlPlane := server.NewControlPlane(cfg.APIAddr(), apiSrv)

	errCh := make(chan error, 2)
	go func() { errCh <- dataPlane.Start() }()
	go func() { errCh <- controlPlane.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logging.L().Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logging.L().Error().Err(err).Msg("listener failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := dataPlane.Stop(ctx); err != nil {
		shutdownErr = err
	}
	if err := controlPlane.Stop(ctx); err != nil {
		shutdownErr = err
	}
	return shutdownErr
}

func newStore(cfg *config.Config) (store.Store, error) {
	if cfg.StorageBackend == config.BackendDatabase {
		return store.NewDBStore(cfg.DatabaseURL, cfg.DatabaseTable)
	}
	return store.NewMemoryStore(), nil
}

// parseCustomHeaders parses "key:value" pairs as accepted by --custom-header,
// matching configurable_http_proxy's HeaderParamType.
func parseCustomHeaders(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}
