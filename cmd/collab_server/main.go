package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabcode/internal/cache"
	"collabcode/internal/collab"
	"collabcode/internal/httpapi/middleware"
	"collabcode/internal/session"
	"collabcode/internal/store"
	"collabcode/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Collab struct {
		LogRetention     int `mapstructure:"logRetention"`
		GraceSeconds     int `mapstructure:"graceSeconds"`
		IdleSeconds      int `mapstructure:"idleSeconds"`
		SnapshotInterval int `mapstructure:"snapshotIntervalSeconds"`
	} `mapstructure:"Collab"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer sqlDB.Close()

	// === Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl()
	wsSem := collab.NewSemaphoreControl()

	// Kafka 本地队列 + worker 重试发送
	dispatcher := collab.NewKafkaDispatcher(
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
	defer dispatcher.Close()

	snapshotStore := store.NewSnapshotStore(sqlDB)
	documentStore := store.NewDocumentStore(gdb)

	registry := session.NewRegistry(session.Options{
		Grace:       time.Duration(cfg.Collab.GraceSeconds) * time.Second,
		IdleTimeout: time.Duration(cfg.Collab.IdleSeconds) * time.Second,
	})
	svc := collab.NewSequencer(snapshotStore, documentStore, registry, dispatcher,
		collab.SequencerOptions{LogRetention: cfg.Collab.LogRetention})
	// 会话空置超过宽限期：落快照并释放内存状态
	registry.SetOnEmpty(svc.Drain)

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	// ack/广播在文档锁内按版本序派发到各连接的发送队列
	svc.SetOnApplied(hub.DispatchAppliedOp)
	manager := ws.NewManager(hub, svc, registry, wsSem)

	// 活性清扫：静默参与者按超时断开
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for now := range ticker.C {
			for docID, users := range registry.SweepExpired(now) {
				log.Printf("liveness timeout doc=%s users=%v", docID, users)
			}
		}
	}()

	// 周期快照（热路径之外）
	snapshotInterval := time.Duration(cfg.Collab.SnapshotInterval) * time.Second
	if snapshotInterval <= 0 {
		snapshotInterval = 60 * time.Second
	}
	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, docID := range svc.ActiveDocuments(ctx) {
				if err := svc.SaveSnapshot(ctx, docID); err != nil {
					log.Printf("periodic snapshot failed doc=%s: %v", docID, err)
				}
			}
			cancel()
		}
	}()

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	// 有人在线的文档列表（跨实例，来自 Redis presence）
	collabGroup.GET("/documents/active", func(c *gin.Context) {
		docs, err := presenceCache.GetDocuments(c.Request.Context())
		if err != nil {
			c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
			return
		}
		c.JSON(200, gin.H{"documents": docs})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
