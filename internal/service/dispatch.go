// Package service 派工服务组装层。
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"foxlink-dispatch/internal/config"
	"foxlink-dispatch/internal/database"
	"foxlink-dispatch/internal/faultsource"
	"foxlink-dispatch/internal/httpapi"
	"foxlink-dispatch/internal/lifecycle"
	"foxlink-dispatch/internal/notifier"
	"foxlink-dispatch/internal/repository"
	"foxlink-dispatch/internal/scheduler"
	"foxlink-dispatch/internal/state"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DispatchService 派工服务（整合各层）
type DispatchService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *notifier.MQTTClient
	logger      *zap.Logger

	// 各层组件
	missionRepo *repository.MissionRepository
	eventRepo   *repository.MissionEventRepository
	workerRepo  *repository.WorkerRepository
	deviceRepo  *repository.DeviceRepository
	auditRepo   *repository.AuditRepository
	shiftRepo   *repository.ShiftRepository
	notices     *notifier.Notifier
	controller  *lifecycle.Controller
	scheduler   *scheduler.Scheduler
	httpServer  *http.Server
}

// NewDispatchService 创建派工服务
func NewDispatchService(cfg *config.Config, logger *zap.Logger) (*DispatchService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := notifier.NewMQTTClient(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect MQTT broker: %w", err)
	}

	// 4. 创建 Repository 层
	missionRepo := repository.NewMissionRepository(db, logger)
	eventRepo := repository.NewMissionEventRepository(db, logger)
	workerRepo := repository.NewWorkerRepository(db, logger)
	deviceRepo := repository.NewDeviceRepository(db, logger)
	auditRepo := repository.NewAuditRepository(db, logger)
	shiftRepo := repository.NewShiftRepository(db, logger)

	// 5. 创建通知器
	notices := notifier.NewNotifier(mqttClient, cfg.Dispatch.TopicPrefix, cfg.MQTT.QoS, cfg.MQTT.Retain, logger)

	// 6. 创建生命周期控制器
	controller := lifecycle.NewController(
		db,
		missionRepo,
		eventRepo,
		workerRepo,
		deviceRepo,
		shiftRepo,
		auditRepo,
		notices,
		lifecycle.Thresholds{
			MissionRejectAlert: cfg.Dispatch.MissionRejectAlert,
			WorkerRejectAlert:  cfg.Dispatch.WorkerRejectAlert,
		},
		logger,
	)

	// 7. 创建事件源客户端
	faultTimeout := time.Duration(cfg.Fault.Timeout) * time.Second
	sources := make([]scheduler.SourceBinding, 0, len(cfg.Fault.Sources))
	for _, src := range cfg.Fault.Sources {
		sources = append(sources, scheduler.SourceBinding{
			Client: faultsource.NewClient(src.Host, src.BaseURL, faultTimeout, logger),
			Table:  src.Table,
		})
	}

	// 8. 创建调度器
	ingestState := state.NewIngestState(state.NewRedisKVStore(redisClient), cfg.Dispatch.TopicPrefix, logger)
	sched := scheduler.NewScheduler(
		scheduler.Options{
			TickInterval:       time.Duration(cfg.Dispatch.TickInterval) * time.Second,
			IdleHomingAfter:    time.Duration(cfg.Dispatch.IdleHomingAfter) * time.Second,
			AcceptTimeout:      time.Duration(cfg.Dispatch.AcceptTimeout) * time.Second,
			OvertimeThresholds: cfg.Dispatch.OvertimeThresholds,
			CategoryMin:        cfg.Dispatch.CategoryMin,
			CategoryMax:        cfg.Dispatch.CategoryMax,
		},
		controller,
		missionRepo,
		eventRepo,
		workerRepo,
		deviceRepo,
		shiftRepo,
		sources,
		ingestState,
		logger,
	)

	// 9. 创建 HTTP API
	router := httpapi.NewRouter(logger)
	router.RegisterMissionRoutes(httpapi.NewMissionHandler(controller, logger))
	router.RegisterHealthRoutes(mqttClient.IsConnected)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &DispatchService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
		missionRepo: missionRepo,
		eventRepo:   eventRepo,
		workerRepo:  workerRepo,
		deviceRepo:  deviceRepo,
		auditRepo:   auditRepo,
		shiftRepo:   shiftRepo,
		notices:     notices,
		controller:  controller,
		scheduler:   sched,
		httpServer:  httpServer,
	}, nil
}

// Start 启动服务（HTTP 在后台，调度循环阻塞直到 ctx 取消）
func (s *DispatchService) Start(ctx context.Context) error {
	s.logger.Info("Starting dispatch service",
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	httpErrChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrChan <- err
		}
	}()

	schedErrChan := make(chan error, 1)
	go func() {
		schedErrChan <- s.scheduler.Start(ctx)
	}()

	select {
	case err := <-httpErrChan:
		return fmt.Errorf("http server failed: %w", err)
	case err := <-schedErrChan:
		return err
	}
}

// Stop 停止服务
func (s *DispatchService) Stop() error {
	s.logger.Info("Stopping dispatch service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown http server",
			zap.Error(err),
		)
	}

	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	return nil
}
