package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"google.golang.org/grpc"

	"bookcal/backend/internal/booking"
	"bookcal/backend/internal/calendar"
	"bookcal/backend/internal/config"
	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/metrics"
	"bookcal/backend/internal/oauth"
	"bookcal/backend/internal/outbox"
	"bookcal/backend/internal/service/scheduling"
	"bookcal/backend/internal/store"
	"bookcal/backend/internal/store/memory"
	"bookcal/backend/internal/store/postgres"
	grpcTransport "bookcal/backend/internal/transport/grpc"
	"bookcal/backend/internal/transport/httpapi"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC and HTTP servers and the calendar push worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

type stores struct {
	bookings    store.BookingStore
	connections store.ConnectionStore
	policies    store.PolicyStore
	jobs        store.PushJobStore
	ping        func(ctx context.Context) error
	close       func()
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store; data is lost on restart")
		s := memory.New()
		return stores{bookings: s, connections: s, policies: s, jobs: s, close: func() {}}, nil
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return stores{}, err
	}
	if migrateOnStart {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = postgres.Close(db)
			return stores{}, err
		}
		log.Info("database migrated")
	}
	return stores{
		bookings:    postgres.NewBookingRepo(db),
		connections: postgres.NewConnectionRepo(db),
		policies:    postgres.NewPolicyRepo(db),
		jobs:        postgres.NewPushJobRepo(db),
		ping:        db.PingContext,
		close: func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		},
	}, nil
}

func openDatabase(cfg config.Config) (*bun.DB, error) {
	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return db, nil
}

func providerConfigs(cfg config.Config) oauth.ProviderConfigs {
	configs := oauth.ProviderConfigs{}
	if cfg.Google.Enabled() {
		configs[domain.ProviderGoogle] = oauth.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.OAuth.RedirectURL)
	}
	if cfg.Microsoft.Enabled() {
		configs[domain.ProviderMicrosoft] = oauth.MicrosoftConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.Tenant, cfg.OAuth.RedirectURL)
	}
	return configs
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Info(
		"starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	cipher, err := oauth.NewCipher(cfg.OAuth.TokenKey)
	if err != nil {
		return err
	}
	if !cipher.Enabled() {
		log.Warn("oauth.token_key not set; calendar tokens are stored unencrypted")
	}

	configs := providerConfigs(cfg)
	if len(configs) == 0 {
		log.Warn("no calendar provider configured; availability uses internal bookings only")
	}

	m := metrics.New()
	tokens := oauth.NewManager(
		st.connections,
		cipher,
		configs,
		oauth.NewStateSigner([]byte(cfg.OAuth.StateSecret), 0),
		oauth.Options{
			RefreshSkew:    cfg.Calendar.RefreshSkew,
			RefreshTimeout: cfg.Calendar.ProviderTimeout,
			Metrics:        m,
			Log:            log,
		},
	)
	calendars := calendar.NewClient(tokens, map[domain.Provider]calendar.Provider{
		domain.ProviderGoogle:    calendar.NewGoogleProvider(),
		domain.ProviderMicrosoft: calendar.NewGraphProvider(),
	}, cfg.Calendar.ProviderTimeout, m, log)

	queue := outbox.NewQueue(st.jobs)
	worker := outbox.NewWorker(queue, st.bookings, calendars, outbox.Config{
		Interval:  cfg.Outbox.PollInterval,
		Schedule:  cfg.Outbox.Backoff,
		BatchSize: cfg.Outbox.BatchSize,
	}, m, log)

	svc := scheduling.NewService(scheduling.Deps{
		Bookings: st.bookings,
		Policies: st.policies,
		Guard:    booking.NewGuard(st.bookings, booking.WithMetrics(m), booking.WithLogger(log)),
		Busy:     calendars,
		Calendar: tokens,
		Queue:    queue,
		Metrics:  m,
		Log:      log,
	}, scheduling.Options{
		DefaultPolicy: cfg.DefaultPolicy,
		BusyCacheTTL:  cfg.Calendar.BusyCacheTTL,
		BusyCacheSize: cfg.Calendar.BusyCacheSize,
	})

	grpcServer, health := grpcTransport.NewServer(grpcTransport.NewSchedulingServer(svc, log), grpcTransport.ServerOptions{
		RequestTimeout: cfg.GRPCRequestTimeout,
		Log:            log,
	})
	httpServer := httpapi.NewServer(httpapi.Config{
		Addr:     cfg.HTTPAddr,
		Calendar: svc,
		Metrics:  m.Handler(),
		Ping:     st.ping,
		Log:      log,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(workerCtx)
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			runErr = err
		}
	}

	health.Shutdown()
	shutdownGRPC(grpcServer, cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", slog.Any("err", err))
	}

	stopWorker()
	wg.Wait()
	return runErr
}

func shutdownGRPC(s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}
