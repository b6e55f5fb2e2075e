package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shopfed/authcore/internal/identity"
	"github.com/shopfed/authcore/internal/keystore"
	"github.com/shopfed/authcore/internal/rpc"
	"github.com/shopfed/authcore/internal/server"
	"github.com/shopfed/authcore/internal/service"
	"github.com/shopfed/authcore/internal/token"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth core HTTP server",
		Long:  "Start the HTTP server serving login, token exchange, and the JWKS endpoint, with a background key-rotation scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger := newLogger(cfg)

	store, err := openIdentityStore(cfg)
	if err != nil {
		return fmt.Errorf("init identity store: %w", err)
	}
	defer store.Close()
	logger.Info("identity store initialized", "driver", cfg.Identity.Driver)

	ks, err := openKeystore(cfg, logger)
	if err != nil {
		return err
	}
	gen, err := keystore.NewRSAGenerator(cfg.Keystore.Algorithm)
	if err != nil {
		return err
	}

	// Rotate once at startup so a fresh deployment has signing keys
	// before the first login arrives.
	if _, err := ks.Rotate(gen, cfg.Keystore.KeyBits, cfg.Keystore.NumKeys, time.Now()); err != nil {
		return fmt.Errorf("initial key rotation: %w", err)
	}

	rotateEvery, err := cfg.RotateEvery()
	if err != nil {
		return fmt.Errorf("keystore.rotate_every: %w", err)
	}
	rotateCtx, stopRotation := context.WithCancel(context.Background())
	defer stopRotation()
	go rotationLoop(rotateCtx, ks, gen, cfg.Keystore.KeyBits, cfg.Keystore.NumKeys, rotateEvery, logger)

	leeway, err := cfg.Leeway()
	if err != nil {
		return fmt.Errorf("tokens.leeway: %w", err)
	}
	accessTTL, _ := cfg.AccessTTL()
	refreshBase, _ := cfg.RefreshTTLBase()

	codec := token.NewCodec(ks, cfg.Tokens.Issuer, leeway)
	resolver := identity.NewResolver(store, cfg.Identity.SuperuserRoleID, cfg.Identity.StaffRoleID)
	authSvc := service.NewAuthService(store, resolver, codec, refreshBase, accessTTL, logger)

	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return fmt.Errorf("server.shutdown_timeout: %w", err)
	}
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     cfg.Server.CORS.Origins,
		SecureCookies:   cfg.Server.SecureCookies,
		LoginRatePerMin: cfg.Server.LoginRatePerMin,
		BaseURL:         cfg.Server.BaseURL,
	}
	srv := server.New(srvCfg, store, ks, authSvc, logger)

	// One request queue per registered app. Each resource service publishes
	// get_profile requests with its own app code as the routing key.
	if cfg.RPC.BrokerURL != "" {
		apps, err := store.ListApps(context.Background())
		if err != nil {
			return fmt.Errorf("list apps for rpc: %w", err)
		}
		rpcCtx, stopRPC := context.WithCancel(context.Background())
		defer stopRPC()
		for _, app := range apps {
			rpcSrv, err := rpc.NewServer(cfg.RPC.BrokerURL, cfg.RPC.Exchange, app.Code, store, logger)
			if err != nil {
				return fmt.Errorf("rpc server for %s: %w", app.Code, err)
			}
			defer rpcSrv.Close()
			go func(code string, s *rpc.Server) {
				if err := s.Serve(rpcCtx); err != nil {
					logger.Error("rpc consumer stopped", "app", code, "error", err)
				}
			}(app.Code, rpcSrv)
		}
		logger.Info("rpc consumers started", "exchange", cfg.RPC.Exchange, "queues", len(apps))
	}

	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ JWKS:    http://%s:%d/jwks\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI: http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()

	return srv.ListenAndServe()
}

// rotationLoop runs the scheduled key rotation. Rotate serializes writers
// internally, so the loop is the only rotator in this process.
func rotationLoop(ctx context.Context, ks *keystore.Keystore, gen keystore.KeyGenerator, bits, numKeys int, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ks.Rotate(gen, bits, numKeys, time.Now()); err != nil {
				logger.Error("scheduled key rotation failed", "error", err)
			}
		}
	}
}
