package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ShiftChat/data/database"
	"ShiftChat/data/database/mgo/mongoutil"
	"ShiftChat/global"
	"ShiftChat/global/config"
	"ShiftChat/logger"
	"ShiftChat/middleware"
	midsec "ShiftChat/middleware/security"
	"ShiftChat/module/realtime"
	"ShiftChat/service/chat"
	"ShiftChat/service/kafka"
	"ShiftChat/service/natsx"
	"ShiftChat/service/notify"
	"ShiftChat/service/storage"
	"ShiftChat/tools/ids"
	"ShiftChat/tools/safe"

	"github.com/Shopify/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const grpcService = "shiftchat.Gateway"

// closer 按注册的逆序在退出时执行
type closer struct{ fns []func(ctx context.Context) }

func (c *closer) add(f func(ctx context.Context)) { c.fns = append(c.fns, f) }

func (c *closer) run(ctx context.Context) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i](ctx)
	}
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	log := logger.Named("main")
	defer logger.Sync()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if err := logger.Setup(cfg.Log.Format, cfg.Log.Level); err != nil {
		log.Warn("bad log settings, keeping defaults", zap.Error(err))
	}
	log = logger.Named("main")
	secret := cfg.Auth.Secret()
	if len(secret) == 0 {
		log.Fatal("jwt secret is empty", zap.String("env", cfg.Auth.SecretEnv))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := strconv.FormatInt(cfg.Server.NodeID, 10)
	gen := ids.NewGenerator(cfg.Server.NodeID)

	var cleanup closer
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cleanup.run(sctx)
	}()

	store, err := openStore(ctx, cfg, gen, &cleanup)
	if err != nil {
		log.Fatal("open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}

	opts := chat.Options{
		Store:       store,
		Logger:      logger.Named("chat"),
		MaxPerUser:  cfg.Chat.MaxPerUser,
		MaxContent:  cfg.Chat.MaxContent,
		// Origin 已由路由前的 guards 校验，跟随配置热更新
		CheckOrigin: func(*http.Request) bool { return true },
		Conn: chat.ConnConf{
			SendQueue:  cfg.Chat.SendQueue,
			ReadLimit:  cfg.Chat.ReadLimit,
			PongWait:   cfg.Chat.PongWait,
			PingPeriod: cfg.Chat.PingPeriod,
			WriteWait:  cfg.Chat.WriteWait,
			FrameRate:  cfg.Chat.FrameRate,
			FrameBurst: cfg.Chat.FrameBurst,
		},
	}

	var rdb *redis.Client
	var presence *storage.RedisPresence
	if cfg.Redis.Enabled {
		rdb, err = storage.NewRedisClient(ctx, storage.RedisConf{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		cleanup.add(func(context.Context) { _ = rdb.Close() })

		presence = storage.NewRedisPresence(rdb, storage.PresenceConf{NodeID: nodeID, TTL: cfg.Redis.PresenceTTL}, logger.Named("presence"))
		opts.Presence = presence
		safe.SafeGo("presence", func() { presence.Run(ctx) })
	}

	if cfg.Kafka.Enabled {
		sink, err := openOfflineSink(cfg)
		if err != nil {
			log.Fatal("kafka", zap.Error(err))
		}
		cleanup.add(func(context.Context) { _ = sink.Close() })
		opts.Sink = sink
	}

	server, err := chat.NewServer(opts)
	if err != nil {
		log.Fatal("chat server", zap.Error(err))
	}
	hub := notify.NewHub(notify.Conf{Buffer: cfg.Notify.Buffer, Heartbeat: cfg.Notify.Heartbeat}, logger.Named("notify"))

	api := &realtime.Handler{
		Chat:   server,
		Hub:    hub,
		NodeID: nodeID,
		Log:    logger.Named("api"),
	}
	if presence != nil {
		api.Presence = presence
	}

	if cfg.Nats.Enabled {
		bridge, err := openBridge(ctx, cfg, hub, rdb, &cleanup)
		if err != nil {
			log.Fatal("nats", zap.Error(err))
		}
		api.Bridge = bridge
	}

	jwtOpts := midsec.DefaultOptions(secret)
	jwtOpts.JWT.Alg, jwtOpts.JWT.Leeway = cfg.Auth.Alg, cfg.Auth.Leeway
	jwtOpts.JWT.Issuer, jwtOpts.JWT.Audience = cfg.Auth.Issuer, cfg.Auth.Audience
	middleware.SetAuth(midsec.Middleware(jwtOpts))
	guards := middleware.NewGuards(middleware.Origin(cfg.Chat.AllowedOrigins))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.RequestLog(), guards.Handler())
	api.Register(r)

	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	safe.SafeGo("http", func() {
		log.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	})

	var healthSrv *health.Server
	if cfg.Server.GRPCAddr != "" {
		healthSrv, err = serveHealth(cfg.Server.GRPCAddr, &cleanup)
		if err != nil {
			log.Fatal("grpc health", zap.Error(err))
		}
	}

	if _, err := os.Stat(*cfgPath); err == nil {
		safe.SafeGo("config-watch", func() {
			err := config.Watch(ctx, *cfgPath, func(next *config.AppConfig) {
				if err := logger.SetLevel(next.Log.Level); err != nil {
					log.Warn("bad log level on reload", zap.String("level", next.Log.Level))
				}
				server.UpdateLimits(next.Chat.FrameRate, next.Chat.FrameBurst)
				guards.Set(middleware.Origin(next.Chat.AllowedOrigins))
			})
			if err != nil {
				log.Warn("config watch stopped", zap.Error(err))
			}
		})
	}

	<-ctx.Done()
	log.Info("shutting down")
	if healthSrv != nil {
		healthSrv.Shutdown()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn("chat shutdown", zap.Error(err))
	}
	log.Info("notification streams closed", zap.Int("count", hub.CloseAll()))
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
}

// loadConfig 文件不存在时用默认值 + 环境变量
func loadConfig(path string) (*config.AppConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func openStore(ctx context.Context, cfg *config.AppConfig, gen *ids.Generator, cleanup *closer) (chat.MessageStore, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := storage.NewPostgresPool(ctx, cfg.Store.Postgres.DSN(), cfg.Store.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		cleanup.add(func(context.Context) { pool.Close() })
		s := storage.NewPostgresStore(pool, gen)
		return s, migrate(ctx, s)

	case config.StoreMongo:
		mc := cfg.Store.Mongo
		cli, err := mongoutil.Connect(ctx, mongoutil.Config{
			URI:         mc.URI,
			Database:    mc.Database,
			Username:    mc.Username,
			Password:    mc.Password(),
			MaxPoolSize: mc.MaxPoolSize,
			MaxRetry:    mc.MaxRetry,
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(func(ctx context.Context) { _ = cli.Close(ctx) })
		s := storage.NewMongoStore(cli.DB(), mc.Collection, gen)
		return s, migrate(ctx, s)

	default:
		return storage.NewMemoryStore(gen), nil
	}
}

func migrate(ctx context.Context, t database.Table) error {
	start := time.Now()
	if err := t.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store migrated", zap.String("table", t.TableName()), zap.Duration("cost", time.Since(start)))
	return nil
}

func openOfflineSink(cfg *config.AppConfig) (*kafka.OfflineSink, error) {
	kc := kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID,
		OfflineTopic: cfg.Kafka.OfflineTopic,
	}
	admin, err := sarama.NewClusterAdmin(kc.Brokers, kafka.BuildBaseConfig(kc))
	if err != nil {
		return nil, err
	}
	err = kafka.EnsureTopics(admin, []string{kc.OfflineTopic}, kc, logger.Named("kafka"))
	_ = admin.Close()
	if err != nil {
		return nil, err
	}
	p, err := kafka.NewSyncProducer(kc)
	if err != nil {
		return nil, err
	}
	return kafka.NewOfflineSink(p, kc.OfflineTopic, logger.Named("kafka")), nil
}

// openBridge 连接 NATS 并启动通知桥；有 Redis 时用 Redis 做跨节点去重
func openBridge(ctx context.Context, cfg *config.AppConfig, hub *notify.Hub, rdb *redis.Client, cleanup *closer) (*notify.Bridge, error) {
	log := logger.Named("nats")
	var idem natsx.IdemStore
	if rdb != nil {
		idem = natsx.NewRedisIdem(rdb, global.IdemKeyPrefix)
	} else {
		idem = natsx.NewMemIdem(cfg.Nats.IdemTTL)
	}
	mgr, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers: cfg.Nats.Servers,
		Name:    cfg.Nats.Name,
		Logger:  log,
	},
		natsx.NatsxRecoverMiddleware(log),
		natsx.NatsxLogMiddleware(log),
		natsx.NatsxIdemMiddleware(idem, cfg.Nats.IdemTTL, log),
	)
	if err != nil {
		return nil, err
	}
	cleanup.add(func(context.Context) { _ = mgr.Close() })

	bridge := notify.NewBridge(hub, mgr, logger.Named("bridge"))
	if cfg.Nats.JetStream {
		bridge.Durable = &notify.Durable{
			Stream:   cfg.Nats.Stream,
			Consumer: "notify-user-" + strconv.FormatInt(cfg.Server.NodeID, 10),
			MaxAge:   cfg.Nats.StreamMaxAge,
		}
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}
	return bridge, nil
}

func serveHealth(addr string, cleanup *closer) (*health.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(grpcService, healthpb.HealthCheckResponse_SERVING)

	safe.SafeGo("grpc", func() {
		logger.Info("grpc health listening", zap.String("addr", addr))
		if err := gs.Serve(lis); err != nil {
			logger.Warn("grpc server stopped", zap.Error(err))
		}
	})
	cleanup.add(func(context.Context) { gs.GracefulStop() })
	return hs, nil
}
