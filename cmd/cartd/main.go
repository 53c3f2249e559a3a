package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/raft"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/heysubinoy/pyazcart/api/proto"
	"github.com/heysubinoy/pyazcart/internal/api"
	"github.com/heysubinoy/pyazcart/internal/cart"
	"github.com/heysubinoy/pyazcart/internal/store"
	"github.com/heysubinoy/pyazcart/internal/telemetry"
	"github.com/heysubinoy/pyazcart/pkg/config"
	"github.com/heysubinoy/pyazcart/pkg/kv"
	"github.com/heysubinoy/pyazcart/pkg/logger"
	"github.com/heysubinoy/pyazcart/pkg/shutdown"
)

const (
	serviceName    = "pyazcart"
	serviceVersion = "v1.0.0"

	stopTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (environment variables are used otherwise)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logOpts := logger.Options{Service: serviceName, Env: cfg.Env, NodeID: cfg.NodeID, Level: cfg.LogLevel, AddSource: true}
	log := logger.New(logOpts)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg, log, logOpts); err != nil {
		log.Error("cartd exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("bye")
}

// backend is the durable collection chosen by configuration together with
// what the endpoints need to know about it.
type backend struct {
	store    kv.Store
	raftNode *store.RaftNode
	peerHTTP map[raft.ServerID]string
	peerGRPC map[raft.ServerID]string
	close    func() error
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *slog.Logger, logOpts logger.Options) error {
	tp, err := telemetry.InitTracerProvider(ctx, serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("tracer provider shutdown", slog.Any("err", err))
		}
	}()

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	if _, err := metrics.NewGlobal(metrics.DefaultConfig(serviceName), sink); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	be, err := openBackend(ctx, cfg, log, logOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			log.Warn("backend close", slog.Any("err", err))
		}
	}()

	instrumented := store.NewInstrumentedStore(be.store)
	cartStore := cart.NewStore(instrumented, cart.WithCollection(cfg.CartName), cart.WithLogger(log))

	grpcServer := grpc.NewServer(api.ServerOptions(log, grpc.StatsHandler(otelgrpc.NewServerHandler()))...)
	proto.RegisterCartServiceServer(grpcServer, api.NewGRPCServer(cartStore, be.peerGRPC))

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	var raftNode *raft.Raft
	if be.raftNode != nil {
		raftNode = be.raftNode.Raft
	}

	mux := http.NewServeMux()
	api.NewServer(cartStore, raftNode, be.peerHTTP).RegisterRoutes(mux)
	mux.Handle("/metrics", api.MetricsHandler(instrumented))
	mux.Handle("/debug/metrics", api.SinkHandler(sink))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		log.Info("grpc starting", slog.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc serve error", slog.Any("err", err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		log.Info("http starting", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve error", slog.Any("err", err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		watchHealth(ctx, be, healthSrv, log)
	}()

	<-ctx.Done()
	log.Info("shutdown requested")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	healthSrv.Shutdown()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		log.Warn("http shutdown", slog.Any("err", err))
	}

	if !shutdown.Graceful(stopTimeout, grpcServer.GracefulStop, grpcServer.Stop) {
		log.Warn("graceful stop timeout, forced stop")
	}

	wg.Wait()
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger, logOpts logger.Options) (*backend, error) {
	switch cfg.Backend {
	case config.BackendRaft:
		fsm := store.NewRaftStore(cfg.RaftApplyTimeout, log.With("component", "fsm"))

		var servers []raft.Server
		peerHTTP := make(map[raft.ServerID]string)
		peerGRPC := make(map[raft.ServerID]string)
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.RaftAddr)})
			if p.HTTPAddr != "" {
				peerHTTP[raft.ServerID(p.ID)] = p.HTTPAddr
			}
			if p.GRPCAddr != "" {
				peerGRPC[raft.ServerID(p.ID)] = p.GRPCAddr
			}
		}

		node, err := store.StartRaft(store.RaftOptions{
			NodeID:    cfg.NodeID,
			BindAddr:  cfg.RaftAddr,
			DataDir:   cfg.RaftData,
			Bootstrap: cfg.RaftBootstrap,
			Peers:     servers,
			Logger:    logger.NewRaft(logOpts),
		}, fsm)
		if err != nil {
			return nil, err
		}
		log.Info("raft started", slog.String("raft_addr", cfg.RaftAddr), slog.String("data", cfg.RaftData))
		return &backend{store: fsm, raftNode: node, peerHTTP: peerHTTP, peerGRPC: peerGRPC, close: node.Shutdown}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
		})
		client.AddHook(redisotel.NewTracingHook())
		rs := store.NewRedisStore(client, cfg.RedisPrefix)
		if err := rs.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		log.Info("redis connected", slog.String("addr", cfg.RedisAddr))
		return &backend{store: rs, close: client.Close}, nil
	}

	log.Info("using in-memory store")
	return &backend{store: store.NewMemStore(), close: func() error { return nil }}, nil
}

// watchHealth keeps the gRPC health status in line with the backend's ability
// to serve transactions: a raft follower reports NOT_SERVING.
func watchHealth(ctx context.Context, be *backend, healthSrv *health.Server, log *slog.Logger) {
	set := func(serving bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if serving {
			st = healthpb.HealthCheckResponse_SERVING
		}
		healthSrv.SetServingStatus("", st)
		healthSrv.SetServingStatus(proto.CartService_ServiceName, st)
	}

	if be.raftNode == nil {
		set(true)
		return
	}

	r := be.raftNode.Raft
	set(r.State() == raft.Leader)
	for {
		select {
		case <-ctx.Done():
			return
		case isLeader := <-r.LeaderCh():
			log.Info("raft leadership changed", slog.Bool("leader", isLeader))
			set(isLeader)
		}
	}
}
