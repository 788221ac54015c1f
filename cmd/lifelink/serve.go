package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"lifelink/internal/config"
	httptransport "lifelink/internal/http"
	"lifelink/internal/infra"
	"lifelink/internal/maps"
	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/location"
	"lifelink/internal/modules/matching"
	"lifelink/internal/realtime"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, live feed, and dispatch sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

// app holds the wired services shared by serve and the one-shot commands.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	db       *pgxpool.Pool
	redis    *redis.Client
	mongo    *mongo.Client
	hub      *realtime.Hub
	activity *activity.Service
	dispatch *dispatch.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	rdb := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	mongoClient, mongoDB, err := infra.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Timeout)
	if err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, err
	}

	activityStore := activity.NewStore(mongoDB)
	if err := activityStore.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Warn("activity indexes not ensured")
	}

	hub := realtime.NewHub(log)
	activityOpts := []activity.Option{activity.WithBroadcaster(hub)}
	if cfg.Firebase.ProjectID != "" {
		fcm, err := infra.NewMessagingClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.WithError(err).Warn("crew push disabled")
		} else {
			activityOpts = append(activityOpts, activity.WithPusher(activity.NewFCMPusher(fcm)))
		}
	}
	if cfg.Twilio.AccountSID != "" {
		activityOpts = append(activityOpts, activity.WithTexter(
			activity.NewTwilioTexter(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber)))
	}
	activitySvc := activity.NewService(activityStore, log, activityOpts...)

	dispatchStore := dispatch.NewPGStore(db)
	matchingSvc := matching.NewService(dispatchStore, activitySvc, log)
	dispatchOpts := []dispatch.Option{
		dispatch.WithLocker(dispatch.NewRedisLocker(rdb)),
		dispatch.WithLocationIndex(location.NewService(location.NewStore(db, rdb))),
		dispatch.WithSweep(cfg.Dispatch.SweepInterval, cfg.Dispatch.SweepLockTTL),
	}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.WithError(err).Warn("route ETAs disabled; using distance estimate")
		} else {
			dispatchOpts = append(dispatchOpts, dispatch.WithRouter(routes))
		}
	}
	dispatchSvc := dispatch.NewService(dispatchStore, matchingSvc, activitySvc, log, dispatchOpts...)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		redis:    rdb,
		mongo:    mongoClient,
		hub:      hub,
		activity: activitySvc,
		dispatch: dispatchSvc,
	}, nil
}

func (a *app) Close() {
	a.activity.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.mongo.Disconnect(ctx); err != nil {
		a.log.WithError(err).Warn("mongo disconnect")
	}
	_ = a.redis.Close()
	a.db.Close()
}

func runServer(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	issuer := infra.NewJWTIssuer(a.cfg.JWT.Secret, a.cfg.JWT.TTL)
	api := httptransport.NewServer(httptransport.ServerDeps{
		Dispatch:       a.dispatch,
		Feed:           a.activity,
		Hub:            a.hub,
		Tokens:         issuer,
		Verifier:       issuer,
		Log:            a.log,
		NearbyRadiusKm: a.cfg.Dispatch.NearbyRadiusKm,
	})
	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.hub.Run(ctx)
	go a.dispatch.RunScheduler(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", server.Addr).Info("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
