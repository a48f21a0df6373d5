package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment/cmd/server/config"
	httpadapter "fulfillment/internal/adapters/http"
	"fulfillment/internal/app"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/runner"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("server error")
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	log, err := newLogger(obsCfg)
	if err != nil {
		return err
	}
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	runnerCfg, err := config.LoadRunner()
	if err != nil {
		return err
	}
	svcCfg, err := config.LoadServices()
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	authCfg, err := config.LoadAuth()
	if err != nil {
		return err
	}
	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}

	decimal.MarshalJSONWithoutQuotes = true
	metrics := observability.NewMetrics()

	store, db, closeStore, err := buildStore(ctx, dbCfg, log)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	defer closeStore()

	rdb, err := buildRedis(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.WithError(err).Warn("close redis")
			}
		}()
	}

	clients, err := buildClients(ctx, svcCfg, dbCfg, db, relCfg, metrics, log)
	if err != nil {
		return err
	}
	publisher, closePublisher := buildPublisher(kafkaCfg, redisCfg, rdb, log)
	defer closePublisher()

	orch := orders.NewOrchestrator(orders.Config{
		Store:     store,
		Inventory: clients.inventory,
		Payments:  clients.payments,
		Shipping:  clients.shipping,
		Events:    publisher,
		Metrics:   metrics,
		Logger:    log,
	})

	var locker runner.Locker = runner.NewLocalLocker()
	if rdb != nil {
		locker = runner.NewRedisLocker(rdb, redisCfg.LockRetry)
	}
	compensations := runner.NewCompensationQueue(orch, runnerCfg.CompensationRetry(), log)
	sagas := runner.New(orch, compensations, locker, runner.Config{
		Workers:  runnerCfg.Workers,
		LeaseTTL: runnerCfg.LeaseTTL,
		Retry:    runnerCfg.RunRetry(),
		Metrics:  metrics,
		Logger:   log,
	})

	runCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()
	sagas.Start(runCtx)
	if err := sagas.Recover(ctx); err != nil {
		log.WithError(err).Error("recover unfinished orders")
	}

	if obsCfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	var httpLimiter *orders.RateLimiter
	if httpCfg.RateLimitInterval > 0 && httpCfg.RateLimitBurst > 0 {
		httpLimiter = orders.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst, metrics.AddRateLimitWait)
	}
	router := httpadapter.NewRouter(httpadapter.RouterConfig{
		API:          app.NewService(orch, sagas, log),
		Auth:         httpadapter.NewAuthenticator(authCfg.JWTSecret, authCfg.Issuer, authCfg.Audience),
		Limiter:      httpLimiter,
		LimitWait:    httpCfg.RateLimitWait,
		CarrierToken: httpCfg.CarrierToken,
		Metrics:      metrics,
		Logger:       log,
	})
	httpSrv := &http.Server{
		Addr:         httpCfg.Addr,
		Handler:      router,
		ReadTimeout:  httpCfg.ReadTimeout,
		WriteTimeout: httpCfg.WriteTimeout,
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	var grpcLimiter rateLimiter
	if grpcCfg.RateLimitInterval > 0 && grpcCfg.RateLimitBurst > 0 {
		grpcLimiter = orders.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	}
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(grpcLimiter, metrics, log)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(grpcLimiter, metrics, log)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if obsCfg.AppEnv != "production" {
		reflection.Register(grpcSrv)
		log.WithField("app_env", obsCfg.AppEnv).Info("gRPC reflection enabled")
	}

	obsSrv := startObservabilityServer(obsCfg.Addr, metrics, log)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", httpCfg.Addr).Info("order API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.WithField("addr", grpcCfg.Addr).Info("gRPC ops server listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("listener failed; shutting down")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	if err := obsSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("observability shutdown")
	}

	stopRunner()
	done := make(chan struct{})
	go func() {
		sagas.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("runner did not stop before shutdown timeout")
	}
	return runErr
}

func startObservabilityServer(addr string, metrics *observability.Metrics, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("observability server error")
		}
	}()
	return srv
}
