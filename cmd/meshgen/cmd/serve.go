package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/api"
	"github.com/psantana5/meshgen/pkg/auth"
	"github.com/psantana5/meshgen/pkg/ratelimit"
	"github.com/psantana5/meshgen/pkg/shutdown"
	tlsutil "github.com/psantana5/meshgen/pkg/tls"
)

var (
	listenAddr      string
	balanceInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-lived daemon",
	Long: `Run a daemon that follows jobs, imports finished models into the output
directory and serves the job API, metrics and a websocket feed of job updates.
Jobs left unfinished by an earlier run are resumed.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().DurationVar(&balanceInterval, "balance-interval", 5*time.Minute, "how often to refresh the balance, 0 disables")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}

	tlsCfg, err := serverTLS()
	if err != nil {
		return err
	}
	var verifier *auth.TokenVerifier
	if cfg.Server.AuthToken != "" {
		if verifier, err = auth.NewTokenVerifier(cfg.Server.AuthToken, 0); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(os.Stderr, "Warning: server.auth_token is not set; the job API is unauthenticated")
	}

	rt, err := newRuntime("meshgen-serve")
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Config{
		Tracker:  rt.session,
		Registry: rt.registry,
		Balance:  rt.session.Balance(),
		Metrics:  rt.metrics,
		Tracer:   rt.tracer,
		Limiter:  ratelimit.NewLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		Logger:   rt.logger,
		Verifier: verifier,
		TLS:      tlsCfg,
	})
	if err != nil {
		_ = rt.shutdown.Shutdown()
		return err
	}

	return rt.run(context.Background(), func(ctx context.Context) error {
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := server.Start(serveCtx, cfg.Server.Addr); err != nil {
			return err
		}
		rt.shutdown.Register("api server", shutdown.StopHTTPServer(server, "api"))

		rt.sweeper.Start()
		rt.shutdown.Register("sweeper", func(context.Context) error {
			rt.sweeper.Stop()
			return nil
		})

		if n := rt.session.ResumePending(); n > 0 {
			fmt.Fprintf(os.Stderr, "Resumed %d unfinished job(s)\n", n)
		}
		if balanceInterval > 0 {
			go refreshBalance(serveCtx, rt, balanceInterval)
		}

		fmt.Fprintf(os.Stderr, "meshgen %s serving on %s://%s (output: %s)\n", Version, cfg.Server.Scheme(), cfg.Server.Addr, cfg.OutputDir)
		rt.logger.Info("Daemon started", zap.String("addr", cfg.Server.Addr))

		// blocks until SIGINT/SIGTERM, then runs every shutdown step
		return rt.shutdown.WaitWithContext(ctx)
	})
}

func refreshBalance(ctx context.Context, rt *runtime, every time.Duration) {
	balance := rt.session.Balance()
	balance.Refresh(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance.Refresh(ctx)
		}
	}
}

// serverTLS loads the daemon's key pair, generating a self-signed one first
// when server.tls_auto is set.
func serverTLS() (*tls.Config, error) {
	if !cfg.Server.TLSEnabled() {
		return nil, nil
	}
	certFile, keyFile := cfg.Server.CertPaths()
	if cfg.Server.TLSAuto {
		host, _, _ := net.SplitHostPort(cfg.Server.Addr)
		created, err := tlsutil.EnsureCert(certFile, keyFile, host)
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
		if created {
			fmt.Fprintf(os.Stderr, "Generated self-signed certificate %s\n", certFile)
		}
	}
	return tlsutil.LoadServerConfig(certFile, keyFile)
}
