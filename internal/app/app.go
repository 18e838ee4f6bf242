package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/director74/dz9_saga/config"
	httpController "github.com/director74/dz9_saga/internal/controller/http"
	rabbitmqController "github.com/director74/dz9_saga/internal/controller/rabbitmq"
	"github.com/director74/dz9_saga/internal/entity"
	"github.com/director74/dz9_saga/internal/repo"
	"github.com/director74/dz9_saga/internal/saga"
	"github.com/director74/dz9_saga/internal/usecase"
	"github.com/director74/dz9_saga/pkg/database"
	"github.com/director74/dz9_saga/pkg/errors"
	"github.com/director74/dz9_saga/pkg/messaging"
	"github.com/director74/dz9_saga/pkg/metrics"
	"github.com/director74/dz9_saga/pkg/rabbitmq"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// App представляет приложение
type App struct {
	config     *config.Config
	httpServer *http.Server
	db         *gorm.DB
	rabbitMQ   *rabbitmq.RabbitMQ
}

func NewApp(cfg *config.Config) (*App, error) {
	db, err := database.NewPostgresDB(cfg.Postgres)
	if err != nil {
		return nil, errors.AppendPrefix(err, "не удалось подключиться к базе данных")
	}

	models := append(sagahost.Models(), &entity.Order{}, &entity.Payment{}, &entity.Event{})
	if err := database.AutoMigrateWithCleanup(db, models...); err != nil {
		return nil, errors.AppendPrefix(err, "не удалось выполнить миграцию")
	}

	rmq, err := messaging.InitRabbitMQ(cfg.RabbitMQ)
	if err != nil {
		database.CloseDB(db)
		return nil, errors.AppendPrefix(err, "не удалось подключиться к RabbitMQ")
	}

	// Репозитории и леджер
	orderRepo := repo.NewOrderRepository(db)
	paymentRepo := repo.NewPaymentRepository(db)
	eventRepo := repo.NewEventRepository(db)
	ledger := usecase.NewLedger(orderRepo, paymentRepo, eventRepo)

	// Шлюз к внешним системам с управляемой инжекцией сбоев
	faults := usecase.NewFaultInjector(cfg.Faults.FailureRate, cfg.Faults.TimeoutRate, cfg.Faults.TimeoutDelay, cfg.Faults.Seed)
	gateway := usecase.NewSimulatedGateway(ledger, faults)
	orderSteps := usecase.NewOrderSteps(gateway, ledger, nil)
	shippingSteps := usecase.NewShippingSteps(gateway, nil)

	// Хост саг и оркестратор
	sagaMetrics := metrics.NewSagaMetrics()
	sagaCfg := sagaConfigFrom(cfg.Saga)
	host := sagahost.NewHost(
		sagahost.NewRunRepository(db),
		sagahost.NewStepResultRepository(db),
		sagahost.NewSignalLogRepository(db),
		sagaCfg.StepOptions,
		nil,
		sagaMetrics,
	)
	orchestrator := saga.NewOrchestrator(host, orderSteps, shippingSteps, sagaCfg, nil)

	// Сигналы идут через RabbitMQ: издатель кладет их в очередь,
	// потребитель доставляет хосту
	signalPublisher := rabbitmqController.NewSignalPublisher(rmq, nil)
	signalConsumer := rabbitmqController.NewSignalConsumer(rmq, rabbitmqController.NewHostReceiver(host), nil)
	if err := signalConsumer.Setup(); err != nil {
		database.CloseDB(db)
		rmq.Close()
		return nil, errors.AppendPrefix(err, "ошибка при настройке очереди сигналов")
	}
	if err := signalConsumer.Start(); err != nil {
		database.CloseDB(db)
		rmq.Close()
		return nil, errors.AppendPrefix(err, "ошибка при запуске потребителя сигналов")
	}

	// Запуски, прерванные перезапуском процесса, доигрываются с того места,
	// где их застал сбой
	if _, err := orchestrator.RecoverOrders(context.Background()); err != nil {
		log.Printf("[WARN] Ошибка восстановления незавершенных саг: %v", err)
	}

	sagaHandler := httpController.NewSagaHandler(orchestrator, signalPublisher, ledger, sagaMetrics)

	router := gin.Default()
	router.Use(errors.RecoveryMiddleware())
	router.NoRoute(errors.NotFoundHandler())
	router.NoMethod(errors.MethodNotAllowedHandler())

	sagaHandler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &App{
		config:     cfg,
		httpServer: httpServer,
		db:         db,
		rabbitMQ:   rmq,
	}, nil
}

// sagaConfigFrom переводит конфигурацию сервиса в настройки саги
func sagaConfigFrom(cfg config.SagaConfig) saga.Config {
	return saga.Config{
		ManualReviewWindow:  cfg.ManualReviewWindow,
		ReviewPollInterval:  cfg.ReviewPollInterval,
		RunTimeout:          cfg.RunTimeout,
		ChildRunTimeout:     cfg.ChildRunTimeout,
		MaxShippingAttempts: cfg.MaxShippingAttempts,
		StepOptions: sagahost.StepOptions{
			Timeout: cfg.StepTimeout,
			Retry: sagahost.RetryPolicy{
				MaximumAttempts:    cfg.StepMaxAttempts,
				InitialInterval:    cfg.StepInitialInterval,
				BackoffCoefficient: cfg.StepBackoff,
				MaximumInterval:    cfg.StepMaxInterval,
			},
		},
	}
}

// Run запускает приложение
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Printf("HTTP сервер запущен на порту %s", a.config.HTTP.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ошибка запуска HTTP сервера: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Получен сигнал завершения, закрываем приложение...")
	case <-ctx.Done():
		log.Println("Контекст завершен, закрываем приложение...")
	}

	return a.Shutdown()
}

// Shutdown корректно завершает работу приложения
func (a *App) Shutdown() error {
	errGroup := errors.NewErrorGroup()

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := a.httpServer.Shutdown(ctx); err != nil {
			errGroup.AddPrefix(err, "ошибка при закрытии HTTP сервера")
		}
	}

	if a.rabbitMQ != nil {
		a.rabbitMQ.Close()
	}

	if a.db != nil {
		if err := database.CloseDB(a.db); err != nil {
			errGroup.AddPrefix(err, "ошибка при закрытии соединения с базой данных")
		}
	}

	if errGroup.HasErrors() {
		errors.LogError(errGroup, "Shutdown")
		return errGroup
	}

	log.Println("Приложение успешно завершено")
	return nil
}
