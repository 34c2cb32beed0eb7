package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bluecollar-io/bluecollar/auth"
	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/config"
	"github.com/bluecollar-io/bluecollar/examples/calculator"
	"github.com/bluecollar-io/bluecollar/examples/restapp"
	"github.com/bluecollar-io/bluecollar/gateway"
	"github.com/bluecollar-io/bluecollar/internal/version"
	"github.com/bluecollar-io/bluecollar/registry"
	"github.com/bluecollar-io/bluecollar/worker"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// exposed maps worker package names to their registration hooks. Exposing
// a new package means adding a line here.
var exposed = map[string]func(*registry.Registry) error{
	"calculator": calculator.Register,
	"restapp":    restapp.Register,
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "bluecollar",
		Short:   "Expose plain code as a queue-backed network service",
		Version: version.Version,
	}
	rootCmd.PersistentFlags().String("config", "", "Directory containing bluecollar.{yaml,toml,json}")
	rootCmd.PersistentFlags().Bool("debug", false, "Verbose logging")

	rootCmd.AddCommand(
		workerCmd(),
		httpCmd(),
		restCmd(),
		wsCmd(),
		tokenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker <package>",
		Short: "Run a worker exposing the named package",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	register, ok := exposed[args[0]]
	if !ok {
		return fmt.Errorf("unknown package %q", args[0])
	}
	reg := registry.New()
	if err := register(reg); err != nil {
		return fmt.Errorf("register %s: %w", args[0], err)
	}

	b, err := dial(cfg.Redis)
	if err != nil {
		return err
	}
	defer b.Close()

	w := worker.New(worker.Config{
		Queue:    cfg.Queue,
		Roster:   cfg.WorkerList,
		ReplyTTL: cfg.ReplyTTL.Duration(),
	}, b, reg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}

func httpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "http",
		Short: "Run the plain HTTP gateway",
		RunE:  runHTTP,
	}
}

func runHTTP(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b, err := dial(cfg.Redis)
	if err != nil {
		return err
	}
	defer b.Close()

	gw := gateway.NewHTTP(httpConfig(cfg), b, log)
	return serve(addr(cfg.HTTP.Host, cfg.HTTP.Port), gw, log)
}

func restCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rest",
		Short: "Run the REST gateway",
		RunE:  runREST,
	}
}

func runREST(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b, err := dial(cfg.Redis)
	if err != nil {
		return err
	}
	defer b.Close()

	gw := gateway.NewREST(restConfig(cfg), b, log)
	return serve(addr(cfg.REST.Host, cfg.REST.Port), gw, log)
}

func wsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ws",
		Short: "Run the WebSocket gateway",
		RunE:  runWS,
	}
}

func runWS(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Pub/sub traffic can run against its own broker.
	wsRedis := cfg.Redis
	if cfg.WS.Redis != nil {
		wsRedis = *cfg.WS.Redis
	}
	b, err := dial(wsRedis)
	if err != nil {
		return err
	}
	defer b.Close()

	gw := gateway.NewWS(gateway.WSConfig{
		Queue:       cfg.Queue,
		ReplyPrefix: cfg.WS.ReplyPrefix,
		Timeout:     cfg.WS.Timeout.Duration(),
		Fallback:    cfg.WS.Fallback,
		LongPolling: !cfg.WS.SkipLongpolling,
	}, b, auth.Select(cfg.WS.JWTSecret, cfg.WS.TokenHashes), log)

	// Fallback gateways relay work envelopes, so they use the shared
	// broker even when pub/sub has its own.
	if cfg.WS.Fallback != "" {
		fb := b
		if cfg.WS.Redis != nil {
			if fb, err = dial(cfg.Redis); err != nil {
				return err
			}
			defer fb.Close()
		}
		switch cfg.WS.Fallback {
		case "http":
			gw.SetHTTPFallback(gateway.NewHTTP(httpConfig(cfg), fb, log))
		case "rest":
			gw.SetRESTFallback(gateway.NewREST(restConfig(cfg), fb, log))
		}
	}

	return serve(addr(cfg.WS.Host, cfg.WS.Port), gw, log)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage subscribe-auth tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Read a token and print its SHA3-256 hash",
		RunE:  runTokenHash,
	})
	return cmd
}

func runTokenHash(cmd *cobra.Command, args []string) error {
	fd := int(os.Stdin.Fd())
	var token string
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = string(raw)
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			return errors.New("no token on stdin")
		}
		token = scanner.Text()
	}
	if token == "" {
		return errors.New("empty token")
	}
	fmt.Println(auth.HashToken(token))
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}

// loadConfig reads the layered configuration and builds the process
// logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	dir, _ := cmd.Flags().GetString("config")
	cfg, file, err := config.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	log := newLogger(cfg.Debug)
	if file != "" {
		log.Debug("loaded config file", "name", file)
	}
	return cfg, log, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// dial connects and pings the broker, so an unreachable broker fails the
// process at startup.
func dial(rc config.Redis) (broker.Broker, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := broker.NewRedis(ctx, broker.RedisConfig{Host: rc.Host, Port: rc.Port, DB: rc.DB})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func httpConfig(cfg *config.Config) gateway.HTTPConfig {
	return gateway.HTTPConfig{
		Prefix:      cfg.HTTP.Prefix,
		Queue:       cfg.Queue,
		ReplyPrefix: cfg.HTTP.ReplyPrefix,
		Timeout:     cfg.HTTP.Timeout.Duration(),
	}
}

func restConfig(cfg *config.Config) gateway.RESTConfig {
	return gateway.RESTConfig{
		Prefix:      cfg.REST.Prefix,
		Queue:       cfg.Queue,
		ReplyPrefix: cfg.REST.ReplyPrefix,
		Timeout:     cfg.REST.Timeout.Duration(),
		ErrorDocURL: cfg.REST.ErrorDocURL,
	}
}

func addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// serve runs an http.Server around a gateway until SIGINT or SIGTERM.
func serve(addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		log.Info("shutting down", "addr", addr)
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}
	return nil
}
