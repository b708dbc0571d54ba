package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/config"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/database"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/gift"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/ingress"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/payout"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/server"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var nc *nats.Conn
	if appConfig.NATSURL != "" {
		nc, err = payout.Connect(appConfig.NATSURL, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", zap.Error(err))
			}
		}()
	}

	hub := realtime.NewHub(0)

	clockConfig := clock.BuildConfig(appConfig.SpeedMultiplier, appConfig.AnchorMs, time.Now())
	authority, err := clock.NewAuthority(ctx, clock.AuthorityConfig{
		Config: clockConfig,
		Store:  clock.NewStore(db, clock.DefaultName),
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer authority.Close()

	triviaParts, closeTrivia, err := buildTrivia(ctx, appConfig, nc, authority, logger)
	if err != nil {
		return err
	}
	defer closeTrivia()

	votes, err := ingress.NewVoteRouter(ingress.RouterConfig{
		Clock:     authority,
		Shards:    triviaParts.shards,
		Scheduler: triviaParts.scheduler,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	registrar, err := buildRegistrar(appConfig, nc, logger)
	if err != nil {
		return err
	}

	event, err := gift.NewEvent(ctx, gift.EventConfig{
		DefaultBalance:      appConfig.DefaultBalance,
		MinParticipationBid: appConfig.MinParticipationBid,
		Store:               gift.NewStore(db, gift.DefaultEventName),
		Hub:                 hub,
		Registrar:           registrar,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer event.Close()

	var sessions server.SessionValidator
	if appConfig.OperatorAuthEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return err
		}
		sessions = validator
	} else {
		logger.Warn("operator routes are unauthenticated; set auth.signing_secret to protect them")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Clock:          authority,
		Votes:          votes,
		Gift:           event,
		Merger:         triviaParts.merger,
		Sessions:       sessions,
		Operators:      auth.NewOperatorPolicy(appConfig.AdminWallets),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Float64("speed_multiplier", clockConfig.SpeedMultiplier),
			zap.Int("shards", len(triviaParts.shards)),
			zap.String("shard_transport", appConfig.ShardTransport),
			zap.Bool("host_shards", triviaParts.owner))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type triviaWiring struct {
	shards    []trivia.ShardClient
	scheduler ingress.MergeScheduler
	merger    server.RoundMerger
	owner     bool
}

// buildTrivia wires the vote shards and the merge coordinator. On the local
// transport both live in process. On the nats transport exactly one process
// owns them and serves them on the bus; every other process reaches the shards
// over NATS, forwards merge scheduling and relays the owner's results into its
// own clock authority.
func buildTrivia(ctx context.Context, appConfig config.AppConfig, nc *nats.Conn, authority *clock.Authority, logger *zap.Logger) (triviaWiring, func(), error) {
	voteWindow := trivia.VoteWindowForSpeed(authority.Config().SpeedMultiplier)
	if appConfig.ShardTransport != config.TransportNATS {
		shards := trivia.AsClients(trivia.NewShards(appConfig.ShardCount))
		coordinator, err := trivia.NewCoordinator(trivia.CoordinatorConfig{
			Shards:     shards,
			Publisher:  authority,
			VoteWindow: voteWindow,
			Logger:     logger,
		})
		if err != nil {
			return triviaWiring{}, nil, err
		}
		return triviaWiring{shards: shards, scheduler: coordinator, merger: coordinator, owner: true}, coordinator.Close, nil
	}

	if nc == nil {
		return triviaWiring{}, nil, errors.New("nats transport requires a nats connection")
	}
	bus := trivia.NewNATSBus(nc, logger)
	prefix := appConfig.ShardSubject

	if !appConfig.HostShards {
		relay, err := trivia.RelayResults(bus, prefix, authority, logger)
		if err != nil {
			return triviaWiring{}, nil, err
		}
		remote := trivia.NewNATSCoordinatorClient(bus, prefix, logger)
		parts := triviaWiring{
			shards:    trivia.NewNATSShardClients(bus, prefix, appConfig.ShardCount),
			scheduler: remote,
			merger:    remote,
		}
		return parts, func() { _ = relay.Unsubscribe() }, nil
	}

	local := trivia.NewShards(appConfig.ShardCount)
	shardSubscriptions, err := trivia.ServeShards(ctx, bus, prefix, local, logger)
	if err != nil {
		return triviaWiring{}, nil, err
	}
	shards := trivia.AsClients(local)
	coordinator, err := trivia.NewCoordinator(trivia.CoordinatorConfig{
		Shards:     shards,
		Publisher:  trivia.FanoutPublisher{authority, trivia.NewNATSResultPublisher(bus, prefix, logger)},
		VoteWindow: voteWindow,
		Logger:     logger,
	})
	if err != nil {
		unsubscribe(shardSubscriptions)
		return triviaWiring{}, nil, err
	}
	coordinatorSubscriptions, err := trivia.ServeCoordinator(bus, prefix, coordinator, logger)
	if err != nil {
		unsubscribe(shardSubscriptions)
		coordinator.Close()
		return triviaWiring{}, nil, err
	}
	closeAll := func() {
		unsubscribe(coordinatorSubscriptions)
		unsubscribe(shardSubscriptions)
		coordinator.Close()
	}
	return triviaWiring{shards: shards, scheduler: coordinator, merger: coordinator, owner: true}, closeAll, nil
}

func unsubscribe(subscriptions []trivia.Subscription) {
	for _, subscription := range subscriptions {
		_ = subscription.Unsubscribe()
	}
}

func buildRegistrar(appConfig config.AppConfig, nc *nats.Conn, logger *zap.Logger) (payout.Registrar, error) {
	if nc == nil {
		return payout.NewLogRegistrar(logger), nil
	}
	return payout.NewNATSRegistrar(nc, appConfig.PayoutSubject, logger)
}
