// README: Entry point; loads config, wires storage, sync, tracking and the HTTP API, then serves until signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"escort/internal/config"
	httptransport "escort/internal/http"
	"escort/internal/http/handlers"
	"escort/internal/infra"
	"escort/internal/logging"
	"escort/internal/maps"
	"escort/internal/modules/booking"
	"escort/internal/modules/lifecycle"
	"escort/internal/modules/location"
	"escort/internal/modules/notify"
	"escort/internal/modules/ratelimit"
)

const (
	notifyTimeout  = 10 * time.Second
	snapshotEvery  = 30 * time.Second
	startupTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	log := logging.New(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("ESCORT_FIREBASE_PROJECT_ID is required")
	}

	fb, err := infra.NewFirebase(ctx, infra.FirebaseConfig{
		ProjectID:       cfg.Firebase.ProjectID,
		CredentialsFile: cfg.Firebase.CredentialsFile,
		DatabaseURL:     cfg.Firebase.DatabaseURL,
	})
	if err != nil {
		log.WithError(err).Fatal("firebase init")
	}

	redisClient := connectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var dbPool *pgxpool.Pool
	var local booking.LocalStore = booking.NewMemoryStore()
	if cfg.DB.DSN != "" {
		startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		dbPool, err = infra.NewDB(startCtx, cfg.DB.DSN)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("postgres init")
		}
		defer dbPool.Close()
		local = booking.NewPostgresStore(dbPool)
	} else {
		log.Warn("ESCORT_DB_DSN not set, bookings are kept in memory")
	}

	var push notify.Notifier = notify.NewFCM(fb.Messaging, log)
	if cfg.Env == "local" {
		push = notify.NewLog(log)
	}
	notifier := notify.NewAsync(push, notifyTimeout, log)
	defer notifier.Wait()

	var queue booking.OutboxQueue = booking.NewMemoryQueue()
	var gate ratelimit.Gate = ratelimit.NewMemoryGate(cfg.Verify.MaxFailures, cfg.Verify.Cooldown)
	if redisClient != nil {
		queue = booking.NewRedisQueue(redisClient)
		gate = ratelimit.NewRedisGate(redisClient, cfg.Verify.MaxFailures, cfg.Verify.Cooldown)
	}

	outbox := booking.NewOutbox(queue, local, remotes(fb, redisClient), booking.OutboxConfig{
		Interval:    cfg.Sync.OutboxInterval,
		MaxAttempts: cfg.Sync.OutboxMaxAttempts,
		BaseBackoff: cfg.Sync.OutboxBaseBackoff,
		MaxBackoff:  cfg.Sync.OutboxMaxBackoff,
		BatchSize:   cfg.Sync.OutboxBatchSize,
	}, log)

	bookings := booking.NewService(local,
		booking.WithPropagator(outbox),
		booking.WithNotifier(notifier),
		booking.WithLogger(log),
		booking.WithLocation(cfg.Location),
	)

	interval := booking.NewAdaptiveInterval(cfg.Sync.PollIdle, cfg.Sync.PollActive)
	polling := booking.NewPollingFeed(local, interval, log)
	feed := booking.SelectFeed(ctx, redisClient, local, interval, log)

	var mirror location.Mirror
	var nearby handlers.NearbyFinder
	if fb.Database != nil {
		rtdb := location.NewRTDBMirror(fb.Database)
		mirror, nearby = rtdb, rtdb
	}
	locations := location.NewService(location.NewStore(dbPool, redisClient), mirror, snapshotEvery, log)

	var eta maps.ETAProvider = maps.StraightLine{}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.WithError(err).Fatal("maps init")
		}
		eta = maps.Fallback{Primary: routes, Secondary: maps.StraightLine{}}
	}

	engine := lifecycle.NewEngine(lifecycle.Deps{
		Bookings:  bookings,
		Feed:      feed,
		Polling:   polling,
		Interval:  interval,
		Locations: locations,
		Gate:      gate,
		ETA:       eta,
		Notifier:  notifier,
		Log:       log,
	}, lifecycle.Config(cfg.Tracking))
	defer engine.Close()

	go outbox.Run(ctx)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Engine:        engine,
		Verifier:      fb.Verifier,
		Nearby:        nearby,
		WebhookSecret: cfg.Payments.WebhookSecret,
		Log:           log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, log)
	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("http server stopped")
	}
	log.Info("shutting down")
}

// connectRedis returns nil when Redis is not configured or does not answer; queues, the
// verify gate and the booking feed then stay in process.
func connectRedis(ctx context.Context, addr, password string, log logrus.FieldLogger) *redis.Client {
	if addr == "" {
		log.Warn("ESCORT_REDIS_ADDR not set, running without redis")
		return nil
	}
	client := infra.NewRedis(addr, password)
	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, running without redis")
		_ = client.Close()
		return nil
	}
	return client
}

// remotes mirrors bookings into the Redis pub/sub store and the Firebase realtime database,
// whichever are available.
func remotes(fb *infra.Firebase, client *redis.Client) booking.RemoteStore {
	var r booking.Remotes
	if client != nil {
		r = append(r, booking.NewRedisRemote(client))
	}
	if fb.Database != nil {
		r = append(r, booking.NewFirebaseRemote(fb.Database))
	}
	return r
}
