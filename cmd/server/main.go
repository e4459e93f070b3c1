// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/app"
	"github.com/unclebandit/outreach-sequencer/internal/config"
	"github.com/unclebandit/outreach-sequencer/internal/controller"
	"github.com/unclebandit/outreach-sequencer/internal/handler"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
)

func main() {
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Log = logger.NewLogger(cfg.Log.Level)
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.Log)
	if err != nil {
		logger.Log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if err := queue.StartOperatorAlertSubscriber(a.Events, logger.Log); err != nil {
		logger.Log.Fatal("failed to subscribe alerts", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("server running", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(a *app.App) chi.Router {
	campaignController := &controller.CampaignController{
		CampaignService: a.Campaigns,
		Logger:          a.Logger,
	}
	campaignHandler := handler.NewCampaignHandler(a.Campaigns, a.Logger)
	inboundHandler := &handler.InboundHandler{
		Correlator: a.NewCorrelator(nil),
		Inbound:    a.Repos.Inbound,
		Logger:     a.Logger,
	}

	r := chi.NewRouter()

	campaignController.Routes(r)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaignHandlerWithStats)
	r.Get("/deliverability", campaignHandler.DeliverabilityHandler)
	r.Post("/inbound", inboundHandler.ReceiveHandler)
	r.Get("/inbound/unlinked", inboundHandler.ListUnlinkedHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
