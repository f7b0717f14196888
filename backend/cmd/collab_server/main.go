package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/fyfrey/AppFlowy-Cloud/backend/config"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/cache"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/httpapi/handlers"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/httpapi/middleware"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/store"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	// === 快照存储：配置了 MySQL 用 MySQL，否则退化为进程内存 ===
	var snapshots collab.SnapshotStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		snapshots = store.NewSnapshotStore(db)
	} else {
		log.Printf("mysql dsn empty, snapshots are in-memory only")
		snapshots = store.NewMemorySnapshotStore()
	}

	// === Redis presence（可选）===
	var presence cache.PresenceCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	// === Kafka Producer（可选）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl(collab.DefaultMaxSemaphore)
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			kafkaSem,
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	docs := collab.NewDocStore(snapshots)
	flush := collab.NewFlushScheduler(docs, snapshots, cfg.Collab.FlushPerUpdate)
	hub := ws.NewHub()
	engine := collab.NewEngine(docs, flush, snapshots, hub, dispatcher)
	hub.SetOnEmpty(engine.ReleaseObject)

	arbiter := ws.NewSessionArbiter()
	manager := ws.NewManager(hub, engine, arbiter, presence, cfg.Collab.SendQueueSize)
	collabHandler := handlers.NewCollabHandler(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	authed := r.Group("/collab")
	authed.Use(middleware.AuthMiddleware(cfg.Auth.Secret))
	authed.GET("/ws", manager.WebSocketConnect)

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg.Auth.Secret))
	api.GET("/collab/:objectID", collabHandler.GetCollab)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Printf("signal caught: %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	// 退出前把未落盘的余量 flush 掉
	engine.Shutdown(shutdownCtx)
}
