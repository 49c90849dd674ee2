package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/webrtc-meet/coordinator"
	httpServer "github.com/adwski/webrtc-meet/server/http"
	websocketServer "github.com/adwski/webrtc-meet/server/websocket"
	"github.com/adwski/webrtc-meet/service"
	"github.com/adwski/webrtc-meet/sfu"
	store "github.com/adwski/webrtc-meet/storage/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr    = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr     = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel         = fs.StringP("log-level", "l", "debug", "log level")
		callsBaseURL     = fs.String("calls-base-url", "https://rtc.live.cloudflare.com", "routing service base URL")
		callsAppID       = fs.String("calls-app-id", "", "routing service application id")
		callsAppSecret   = fs.String("calls-app-secret", "", "routing service application secret")
		heartbeatTimeout = fs.Duration("heartbeat-timeout", 30*time.Second, "participant eviction timeout")
		sweepInterval    = fs.Duration("sweep-interval", 15*time.Second, "liveness sweep interval")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	coord := coordinator.New(coordinator.Config{
		Store:            store.NewMemStore(),
		Logger:           &logger,
		HeartbeatTimeout: *heartbeatTimeout,
		SweepInterval:    *sweepInterval,
	})
	svc := service.NewService(service.Config{
		Rooms:  coord,
		Logger: &logger,
	})

	var calls sfu.ControlAPI
	if *callsAppID != "" && *callsAppSecret != "" {
		calls = sfu.NewCallsClient(*callsBaseURL, *callsAppID, *callsAppSecret, &logger)
	} else {
		logger.Warn().Msg("routing service credentials are not set, sfu proxy is disabled")
	}

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		MeetingService: svc,
		Calls:          calls,
		ListenAddr:     *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
