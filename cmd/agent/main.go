package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/tradingroom/internal/adapters/http"
	"github.com/dkeye/tradingroom/internal/adapters/rest"
	"github.com/dkeye/tradingroom/internal/adapters/rtc"
	"github.com/dkeye/tradingroom/internal/adapters/ws"
	"github.com/dkeye/tradingroom/internal/capture"
	"github.com/dkeye/tradingroom/internal/config"
	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/realtime"
	"github.com/dkeye/tradingroom/internal/share"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	conn := ws.NewClient(ws.OptionsFromConfig(cfg))
	conn.OnStateChange(func(s ws.State) {
		log.Info().Str("module", "main").Str("state", s.String()).Msg("realtime connection")
	})

	tracks, err := rest.NewTracksClient(cfg.APIURL, cfg.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("bad api url")
	}
	rooms := realtime.NewService(conn, realtime.WithTrackSource(tracks))

	devices := capture.NewSynthetic(cfg.Capture.Devices, cfg.RTC.MimeType)
	devices.EnablePump(ctx)
	acq := capture.NewAcquirer(devices)

	var (
		pub  core.Publisher = share.NewNoopPublisher()
		peer *rtc.PeerPublisher
	)
	if cfg.RTC.Enabled {
		peer, err = rtc.NewPeerPublisher(rtc.DefaultWebRTCConfig(cfg.RTC.ICEServers), cfg.SessionID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create peer connection")
		}
		if err := peer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start peer connection")
		}
		defer peer.Close()
		pub = peer
	}

	store := share.NewStore()
	shares := share.NewService(store, acq, pub)
	approvals := share.NewApprovals(store)
	approvals.LimitRequests(cfg.RequestLimit, cfg.RequestWindow)
	approvals.OnRequest(func(r domain.ShareRequest) {
		log.Info().Str("module", "main").Str("request", r.ID).Str("participant", r.ParticipantID).Msg("share request waiting for a moderator")
	})

	registrar := realtime.NewRegistrar(tracks, rooms, store.LocalTracks)
	store.Subscribe(func(share.Snapshot) { registrar.Notify() })
	go registrar.Run(ctx, cfg.HeartbeatPeriod)

	heartbeat := realtime.NewHeartbeat(tracks, rooms, cfg.SessionID, cfg.HeartbeatPeriod, store.TrackIDs)
	go heartbeat.Run(ctx)

	if err := conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	deps := router.Deps{
		Conn:      conn,
		Rooms:     rooms,
		Shares:    shares,
		Approvals: approvals,
		Cameras:   acq,
		Heartbeat: heartbeat,
	}
	if peer != nil {
		deps.Signaling = peer
	}

	r := router.SetupRouter(ctx, cfg, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("session", cfg.SessionID).Msg("Trading room agent started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shares.StopAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop shares")
	}
	if err := registrar.Sync(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to unregister tracks")
	}
	rooms.UnsubscribeFromRoom()
	conn.Disconnect()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Agent exited gracefully")
}
