package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/access"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/relay"
	"collabtext/internal/server"
)

const shutdownTimeout = 10 * time.Second

func init() {
	config.AddFlags(cmd.Flags(), config.Default())
}

var cmd = &cobra.Command{
	Use:          "collabtext-server",
	Short:        "run the collaborative text sync server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(viper.New(), cmd.Flags())
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogEncoder)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	opts := []server.Opt{server.WithLogger(logger)}

	var rl *relay.Relay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		rl = relay.New(rdb, cfg.RedisChannel, relay.WithLogger(logger.Named("relay")))
		opts = append(opts, server.WithPublisher(rl))
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		ents, err := access.NewPostgresEntitlements(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("using postgres entitlements")
		opts = append(opts, server.WithEntitlements(ents))
	}

	var port int
	if cfg.MDNS {
		var err error
		if port, err = listenPort(cfg.Listen); err != nil {
			return err
		}
	}

	srv := server.New(cfg, opts...)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("sync server listening", zap.String("addr", cfg.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Close()
		return err
	})
	if rl != nil {
		eg.Go(func() error {
			return rl.Run(ctx, srv.ApplyRemote)
		})
	}
	if cfg.MDNS {
		eg.Go(func() error {
			return discovery.Advertise(ctx, logger.Named("mdns"), port)
		})
	}
	return eg.Wait()
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	return strconv.Atoi(port)
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
