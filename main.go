package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	appInventory "github.com/Zhima-Mochi/minishop-orders/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/minishop-orders/internal/application/order"
	"github.com/Zhima-Mochi/minishop-orders/internal/config"
	dominv "github.com/Zhima-Mochi/minishop-orders/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/breaker"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/catalog"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/discovery"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/kafka"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/loadbalancer"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/mongo"
	infraobs "github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/telemetry"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/sqlite"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	httppresentation "github.com/Zhima-Mochi/minishop-orders/internal/presentation/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	baseLogger := zaplogger.MustNew(
		observability.F("service", config.ServiceName),
		observability.F("env", cfg.Environment),
	)
	defer func() { _ = baseLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, baseLogger); err != nil {
		baseLogger.Error("service_failed", observability.F("error", err.Error()))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) (err error) {
	var closers []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](shutdownCtx))
		}
		err = errors.Join(append([]error{err}, errs...)...)
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tp, shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		Environment:    cfg.Environment,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	closers = append(closers, shutdownTracing)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters, histograms := infraobs.Standard(prometrics.New(reg, "", ""))
	tel := infraobs.New(oteltrace.NewWithProvider(tp, config.ServiceName), logger, counters, histograms)

	stores, err := openStores(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	logger.Info("stores_ready",
		observability.F("order_store", cfg.OrderStore),
		observability.F("catalog_store", cfg.CatalogStore),
	)

	publisher, subscriber, err := openBus(ctx, cfg, tp, logger, &closers)
	if err != nil {
		return err
	}

	// the service serves its own catalog, so it is a product-management instance as well
	registry := discovery.NewRegistry(discovery.Static(cfg.Discovery))
	registry.Register(config.ProductServiceName, cfg.SelfEndpoint)
	closers = append(closers, func(context.Context) error {
		registry.Deregister(config.ProductServiceName, cfg.SelfEndpoint)
		return nil
	})

	balancers := loadbalancer.New(registry, cfg.LoadBalancersFor,
		loadbalancer.WithRefreshInterval(cfg.DiscoveryRefreshInterval),
		loadbalancer.WithObservability(tel),
	)
	balancers.Start(ctx)

	breakers := breaker.NewRegistry(cfg.BreakerSettings,
		breaker.WithFailurePredicate(catalog.IsFailure),
		breaker.WithObservability(tel),
	)
	catalogClient := catalog.NewClient(balancers, config.ProductServiceName,
		catalog.WithObservability(tel),
	)

	placeOrder := appOrder.NewPlaceOrderUseCase(
		catalogClient,
		breakers.Get(config.ProductCatalogBreaker),
		stores.orders,
		publisher,
		appOrder.Config{
			LookupTimeout:     cfg.Order.LookupTimeout,
			SaveTimeout:       cfg.Order.SaveTimeout,
			PublishTimeout:    cfg.Order.PublishTimeout,
			LookupConcurrency: cfg.Order.LookupConcurrency,
			FallbackProductID: cfg.Order.FallbackProductID,
		},
		tel,
	)

	reserve := appInventory.NewReserveInventoryUseCase(stores.inventory, tel)
	worker := appInventory.New(subscriber, reserve, tel)
	if subscriber != nil {
		worker.Start()
	} else if err := startKafkaConsumer(ctx, cfg, worker, logger, &closers); err != nil {
		return err
	}

	handler := httppresentation.NewHandler(httppresentation.Deps{
		PlaceOrder: placeOrder,
		GetOrder:   appOrder.NewGetOrderUseCase(stores.orders, tel),
		Stock:      appInventory.NewGetStockUseCase(stores.inventory, tel),
		Products:   stores.products,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, tel, httppresentation.WithTracerProvider(tp))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", observability.F("error", err.Error()))
		return err
	}
	logger.Info("http_server_stopped")
	return nil
}

type storeSet struct {
	orders    domorder.Repository
	inventory dominv.Repository
	products  product.Store
}

func openStores(ctx context.Context, cfg *config.Config, closers *[]func(context.Context) error) (*storeSet, error) {
	s := &storeSet{
		orders:    memory.NewOrderRepository(),
		inventory: memory.NewInventoryRepository(dominv.DefaultStock),
		products:  memory.NewProductStore(product.Details{Code: config.DefaultFallbackProductID, Name: "Cached product", Status: "ACTIVE"}),
	}

	if cfg.OrderStore == config.StoreSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, closeWith(db))
		s.orders = sqlite.NewOrderRepository(db)
		s.inventory = sqlite.NewInventoryRepository(db, dominv.DefaultStock)
	}

	if cfg.OrderStore == config.StoreMongo || cfg.CatalogStore == config.StoreMongo {
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client.Disconnect)
		db := client.Database(cfg.MongoDatabase)
		if cfg.OrderStore == config.StoreMongo {
			s.orders = mongo.NewOrderRepository(db)
		}
		if cfg.CatalogStore == config.StoreMongo {
			s.products = mongo.NewProductStore(db)
		}
	}
	return s, nil
}

// openBus returns a nil subscriber for Kafka, whose consumer is started separately.
func openBus(
	ctx context.Context,
	cfg *config.Config,
	tp trace.TracerProvider,
	logger observability.Logger,
	closers *[]func(context.Context) error,
) (domoutbox.Publisher, domoutbox.Subscriber, error) {
	if cfg.EventBus == config.BusKafka {
		writer, err := kafka.NewWriter(kafka.WriterConfig{
			Broker:       cfg.KafkaBroker,
			Topic:        config.NewItemsTopic,
			ClientID:     config.ServiceName,
			BatchTimeout: config.BatchTimeout,
			BatchSize:    config.BatchSize,
		}, tp)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka writer: %w", err)
		}
		publisher := kafka.NewPublisher(writer, config.NewItemsTopic)
		*closers = append(*closers, closeWith(publisher))
		return publisher, nil, nil
	}

	logger.Warn("event_bus_not_durable",
		observability.F("event_bus", cfg.EventBus),
		observability.F("hint", "set EVENT_BUS=kafka for durable publishing"),
	)
	bus := outbox.NewBus(logger)
	bus.Start(ctx)
	*closers = append(*closers, func(ctx context.Context) error {
		bus.Stop(ctx)
		return nil
	})
	return bus, bus, nil
}

func startKafkaConsumer(
	ctx context.Context,
	cfg *config.Config,
	worker *appInventory.Worker,
	logger observability.Logger,
	closers *[]func(context.Context) error,
) error {
	reader, err := kafka.NewReader(kafka.ReaderConfig{
		Broker:  cfg.KafkaBroker,
		Topic:   config.NewItemsTopic,
		GroupID: config.GroupID,
	})
	if err != nil {
		return fmt.Errorf("kafka reader: %w", err)
	}
	consumer := kafka.NewConsumerService(reader, appInventory.DecodeOrderPlaced, worker.Handle, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Start(ctx)
	}()
	*closers = append(*closers, func(shutdownCtx context.Context) error {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
		return consumer.Close()
	})
	return nil
}

func closeWith(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
