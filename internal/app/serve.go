package app

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

	"provisioning-queue/internal/api"
	"provisioning-queue/internal/events"
	"provisioning-queue/internal/ratelimit"
	"provisioning-queue/internal/websocket"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions tunes the serve command.
type ServeOptions struct {
	// Dispatch runs the dispatcher loop in process. Disable it when an
	// external scheduler invokes the dispatch command instead.
	Dispatch bool
}

// Serve runs the HTTP API, websocket stream, gRPC health service and,
// optionally, the dispatcher loop until ctx is cancelled or a signal arrives.
func (r *Runtime) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.New(r.db, r.log.WithName("websocket"))

	// With Redis every event goes through the channel, including our own,
	// so the hub hears each one exactly once.
	var sink events.Notifier = hub
	if pub := r.publisher(); pub != nil {
		sink = pub
	}
	notifier := events.Multi{sink, eventMetrics}

	var loop interface{ Run(context.Context) error }
	if opts.Dispatch {
		d, err := r.NewDispatcher(notifier)
		if err != nil {
			return err
		}
		loop = d
	}

	limiter := ratelimit.New(r.cfg.EnqueueRate, r.cfg.EnqueueBurst)
	server := api.NewServer(r.db, hub, limiter, notifier, r.log.WithName("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.HTTPPort),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	if r.redis != nil {
		g.Go(func() error {
			err := events.Subscribe(gctx, r.redis, r.cfg.RedisChannel, hub, r.log.WithName("events"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if loop != nil {
		g.Go(func() error { return loop.Run(gctx) })
	}

	g.Go(func() error {
		r.log.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		r.log.Info("grpc server started", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		r.log.Info("shutting down")
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
