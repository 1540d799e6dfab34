package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/clock"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/config"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/idgen"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/worker"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	redis "github.com/redis/go-redis/v9"

	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cloud.google.com/go/profiler"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const (
	serviceName    = "voucherservice"
	serviceVersion = "1.0.0"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("invalid LOG_LEVEL %q, keep %s", cfg.Log.Level, log.GetLevel())
	}

	if cfg.Server.EnableTracing {
		tp, err := initTracing(ctx, cfg.Server.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx, cfg.Server.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	}

	if !cfg.Server.DisableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	log.Infof("starting grpc server at :%s", cfg.Server.Port)

	srv, hsrv, cacheClient := run(ctx, cfg, &wg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("Gracefully shutting down...")

	hsrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.GracefulStop()
	// 通知 worker 退出并等待
	cancel()
	wg.Wait()
	cacheClient.Close()
}

func run(ctx context.Context, cfg config.Config, wg *sync.WaitGroup) (*grpc.Server, *health.Server, *cache.Client) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Server.Port))
	if err != nil {
		log.Fatal(err)
	}

	// Propagate trace context
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()))

	db, store := initDB(cfg.DB)
	rdb := initRedis(cfg.Redis)

	codec, err := cache.NewCodec(cfg.Cache.Codec)
	if err != nil {
		log.Fatalf("invalid cache codec: %v", err)
	}
	cacheClient := cache.New(rdb, log, cache.Options{
		Codec:          codec,
		NullTTL:        cfg.Cache.NullTTL,
		LockTTL:        cfg.Cache.LockTTL,
		RebuildWorkers: cfg.Cache.RebuildWorkers,
		RebuildQueue:   cfg.Cache.RebuildQueue,
	})
	bloom := cache.NewBloomFilter(rdb, model.ShopBloomKey, cfg.Cache.BloomBits, cfg.Cache.BloomHashes)

	shopSvc := service.NewShopService(store, cacheClient, bloom, cfg.Cache.ShopTTL, log)
	warmUp(ctx, shopSvc, cfg.Cache)

	ids := idgen.NewRedisIDWorker(rdb, clock.NewRealClock())
	orderSvc := service.NewVoucherOrderService(rdb, store, ids, log, cfg.Stream.Name)

	dlp := worker.NewDeadLetterProducer(rdb, log)
	consumer := worker.NewOrderStreamConsumer(rdb, orderSvc, dlp, initPublisher(cfg.MQ), log, worker.ConsumerOptions{
		StreamKey:    cfg.Stream.Name,
		Group:        cfg.Stream.Group,
		Consumer:     cfg.Stream.Consumer,
		Block:        cfg.Stream.Block,
		RetryBackoff: cfg.Stream.RetryBackoff,
		LockTTL:      cfg.Stream.OrderLockTTL,
		Topic:        cfg.MQ.Topic,
	})
	consumer.Start(ctx, wg)

	// 死信 stream -> MySQL
	dlConsumer := worker.NewDeadLetterConsumer(rdb, db, log, cfg.Stream.Consumer)
	dlConsumer.Start(ctx, wg)

	hsrv := health.NewServer()
	hsrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hsrv)
	reflection.Register(srv)

	go srv.Serve(listener)

	return srv, hsrv, cacheClient
}

// warmUp 并行加载布隆过滤器和热点商铺，失败只告警
func warmUp(ctx context.Context, shopSvc *service.ShopService, cfg config.CacheConfig) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := shopSvc.LoadBloom(gctx)
		return errors.Wrap(err, "load shop bloom filter")
	})
	if len(cfg.HotShopIDs) > 0 {
		g.Go(func() error {
			_, err := shopSvc.WarmHot(gctx, cfg.HotShopIDs, cfg.ShopTTL)
			return errors.Wrap(err, "warm hot shops")
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("cache warm-up incomplete: %v", err)
	}
}

// initPublisher 未配置 NameServer 时不发布订单事件
func initPublisher(cfg config.MQConfig) worker.EventPublisher {
	if cfg.NameServer == "" {
		log.Info("ROCKETMQ_NAMESERVER not set, order events disabled")
		return nil
	}

	// RocketMQ Go 客户端不支持主机名，需要解析为 IP 地址
	resolvedAddr := resolveToIP(cfg.NameServer)
	log.Infof("RocketMQ NameServer: %s -> %s", cfg.NameServer, resolvedAddr)

	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{resolvedAddr}),
		producer.WithGroupName(cfg.GroupName),
		producer.WithRetry(2),
	)
	if err != nil {
		log.Warnf("Failed to create RocketMQ producer: %v (order events disabled)", err)
		return nil
	}
	if err := p.Start(); err != nil {
		log.Warnf("Failed to start RocketMQ producer: %v (order events disabled)", err)
		return nil
	}
	log.Info("RocketMQ producer started")
	return p
}

func initTracing(ctx context.Context, collectorAddr string) (*sdktrace.TracerProvider, error) {
	var collectorConn *grpc.ClientConn
	if collectorAddr == "" {
		return nil, errors.New("COLLECTOR_SERVICE_ADDR not set")
	}
	mustConnGRPC(ctx, &collectorConn, collectorAddr)

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithGRPCConn(collectorConn))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.DeploymentEnvironmentKey.String("production"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func initMetrics(ctx context.Context, collectorAddr string) (*sdkmetric.MeterProvider, error) {
	if collectorAddr == "" {
		return nil, errors.New("COLLECTOR_SERVICE_ADDR not set")
	}

	exporter, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(collectorAddr),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metric exporter")
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		log.Warnf("warn: Failed to create resource: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func initDB(cfg config.DBConfig) (*gorm.DB, repository.Store) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}
	log.Info("connected to mysql")

	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Fatalf("failed to initialize otelgorm plugin: %v", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatalf("failed to migrate tables: %v", err)
	}

	return db, repository.NewMysqlStore(db)
}

func initRedis(cfg config.RedisConfig) redis.UniversalClient {
	var rdb redis.UniversalClient

	switch {
	case len(cfg.SentinelAddrs) > 0:
		// [模式 A] 哨兵模式 (生产环境/K8s)
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.SentinelAddrs)
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            0,
		})
	case cfg.URL != "":
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		log.Infof("Initializing Redis from URL. Addr: %s", opt.Addr)
		rdb = redis.NewClient(opt)
	default:
		// [模式 B] 单机模式 (本地开发/旧环境)
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.Addr)
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Addr,
		})
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		panic(err)
	}

	// 带重试的 Redis 连接
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			break
		}

		if i == maxRetries-1 {
			log.Fatalf("failed to connect to redis after %d retries: %v", maxRetries, err)
		}

		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		time.Sleep(backoff)
	}

	return rdb
}

func initProfiling(service, version string) {
	for i := 1; i <= 3; i++ {
		if err := profiler.Start(profiler.Config{
			Service:        service,
			ServiceVersion: version,
			// ProjectID must be set if not running on GCP.
			// ProjectID: "my-project",
		}); err != nil {
			log.Warnf("failed to start profiler: %+v", err)
		} else {
			log.Info("started Stackdriver profiler")
			return
		}
		d := time.Second * 10 * time.Duration(i)
		log.Infof("sleeping %v to retry initializing Stackdriver profiler", d)
		time.Sleep(d)
	}
	log.Warn("could not initialize Stackdriver profiler after retrying, giving up")
}

func mustConnGRPC(ctx context.Context, conn **grpc.ClientConn, addr string) {
	var err error
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()
	*conn, err = grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if err != nil {
		panic(errors.Wrapf(err, "grpc: failed to connect %s", addr))
	}
}

// resolveToIP 将 hostname:port 格式解析为 ip:port 格式
// RocketMQ Go 客户端不支持主机名，需要先进行 DNS 解析
func resolveToIP(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return addr
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return addr
	}

	// 优先使用 IPv4 地址
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return net.JoinHostPort(ip4.String(), port)
		}
	}
	return net.JoinHostPort(ips[0].String(), port)
}
