package main

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/seatrush/flash-sale-ticketing/internal/admission"
	"github.com/seatrush/flash-sale-ticketing/internal/client"
	"github.com/seatrush/flash-sale-ticketing/internal/config"
	"github.com/seatrush/flash-sale-ticketing/internal/database"
	"github.com/seatrush/flash-sale-ticketing/internal/fanout"
	"github.com/seatrush/flash-sale-ticketing/internal/handler"
	"github.com/seatrush/flash-sale-ticketing/internal/ledger"
	"github.com/seatrush/flash-sale-ticketing/internal/lifecycle"
	"github.com/seatrush/flash-sale-ticketing/internal/middleware"
	"github.com/seatrush/flash-sale-ticketing/internal/queue"
	"github.com/seatrush/flash-sale-ticketing/internal/repository"
	"github.com/seatrush/flash-sale-ticketing/internal/router"
)

func main() {
	cfg := config.Load()

	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("mysql: %v", err)
	}
	defer db.Close()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("redis: connection failed")
	}
	defer rdb.Close()

	bus := queue.NewPublisher(cfg.AMQPURL, instance)
	defer bus.Close()

	store := repository.NewStore(db)
	led := ledger.New(rdb, cfg.LedgerTTL)
	waitq := admission.NewQueue(rdb, cfg.QueueWindowSize, cfg.SnapshotTTL, cfg.LedgerTTL)

	// Every refresh cycle announces the current queue depth to the room so
	// connected clients can render the line without polling.
	refresher := admission.NewRefresher(waitq, cfg.RefreshInterval, func(roomID uint64, total int64) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RefreshInterval)
		defer cancel()
		if err := bus.PublishRoomEvent(ctx, queue.TypeQueueSnapshot, roomID, 0, queue.QueueSnapshotData{Total: total}); err != nil {
			log.Printf("queue snapshot publish failed room=%d: %v", roomID, err)
		}
	})

	svc := lifecycle.NewService(lifecycle.Deps{
		Store:     store,
		Ledger:    led,
		Queue:     waitq,
		Refresher: refresher,
		Redis:     rdb,
		Bus:       bus,
		Bots:      client.NewBotClient(cfg.BotServiceURL),
		Rooms:     client.NewRoomClient(cfg.RoomServiceURL),
		Stats:     client.NewStatsClient(cfg.StatsServiceURL),
		StartLead: cfg.StartLead,
	})

	sched := lifecycle.NewScheduler(svc, cfg.StartLead)
	defer sched.StopAll()

	registry := fanout.NewRegistry()
	bridge := fanout.NewBridge(instance, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Room events fan out to every instance. Besides forwarding to local
	// websocket sessions, each instance arms its own start timer for matches
	// scheduled elsewhere so the fire does not depend on a single process.
	go queue.ConsumeFanout(cfg.AMQPURL, queue.RoomEventsExchange, func(env queue.Envelope) {
		bridge.HandleRoomEvent(env)
		if env.Type == queue.TypeMatchInserted && env.Instance != instance {
			m, err := store.GetMatch(ctx, env.MatchID)
			if err != nil {
				log.Printf("arm remote match %d: %v", env.MatchID, err)
				return
			}
			sched.Arm(m.ID, m.StartedAt)
		}
	})
	go queue.ConsumeFanout(cfg.AMQPURL, queue.SessionControlExchange, bridge.HandleSessionControl)
	go queue.StartSeatConfirmedConsumer(cfg.AMQPURL)

	go sched.RunMissedFireSweep(ctx, cfg.ReconcileInterval)
	go lifecycle.NewReconciler(svc, cfg.ReconcileInterval).Run(ctx)

	e := echo.New()
	e.HideBanner = true

	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)
	router.RegisterRoutes(e, handler.NewWSHandler(registry, bus, rdb, instance))
	router.RegisterTicketing(e,
		handler.NewTicketingHandler(svc, cfg.MaxSeatsPerRequest),
		handler.NewMatchHandler(svc, sched),
		handler.NewRoomHandler(svc, waitq, bus),
		cfg.JWTSecret, limiter)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s instance=%s)", addr, cfg.Env, instance)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
