// Command orderd runs the order aggregate on the full engine stack:
// SQLite event store, NATS JetStream publishing behind a circuit
// breaker, idempotency ledger with periodic expiry purge and a
// re-publish sweep for events that missed delivery.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/plaenen/eventengine/examples/order"
	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/eventsourcing"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/messaging"
	"github.com/plaenen/eventengine/pkg/middleware"
	natspkg "github.com/plaenen/eventengine/pkg/nats"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/resilience"
	"github.com/plaenen/eventengine/pkg/runner"
	"github.com/plaenen/eventengine/pkg/sqlite"
)

type config struct {
	DatabasePath     string        `env:"ORDERD_DB_PATH" envDefault:"orderd.db"`
	NATSURL          string        `env:"ORDERD_NATS_URL"`
	StreamName       string        `env:"ORDERD_STREAM_NAME" envDefault:"EVENTS"`
	SnapshotInterval int64         `env:"ORDERD_SNAPSHOT_INTERVAL" envDefault:"100"`
	CommandTTL       time.Duration `env:"ORDERD_COMMAND_TTL" envDefault:"168h"`
	SweepInterval    time.Duration `env:"ORDERD_SWEEP_INTERVAL" envDefault:"30s"`
	PurgeInterval    time.Duration `env:"ORDERD_PURGE_INTERVAL" envDefault:"1h"`

	BreakerFailureThreshold uint32        `env:"ORDERD_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout          time.Duration `env:"ORDERD_BREAKER_TIMEOUT" envDefault:"60s"`

	LogLevel slog.Level `env:"ORDERD_LOG_LEVEL" envDefault:"info"`
	Demo     bool       `env:"ORDERD_DEMO" envDefault:"true"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("orderd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := sqlite.NewEventStore(sqlite.WithDSN(cfg.DatabasePath))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	ledger := sqlite.NewLedger(store.DB())
	snapshots := sqlite.NewSnapshotStore(store.DB())

	bus, embedded, err := connectBus(cfg)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer bus.Close()
	if embedded != nil {
		defer embedded.Shutdown()
	}

	telemetry, err := observability.NewProvider("orderd")
	if err != nil {
		return fmt.Errorf("create meter provider: %w", err)
	}
	defer func() {
		telemetry.LogCounters(context.Background(), logger)
		telemetry.Shutdown(context.Background())
	}()

	metrics, err := observability.NewMetrics(telemetry.Meter("eventengine/orderd"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.Timeout = cfg.BreakerTimeout
	breakerCfg.OnStateChange = func(from, to resilience.BreakerState) {
		metrics.RecordBreakerTransition(context.Background(), "eventbus", string(from), string(to))
	}
	breaker, err := resilience.NewBreaker(breakerCfg)
	if err != nil {
		return fmt.Errorf("create breaker: %w", err)
	}

	publisher := messaging.NewPublisher(bus, breaker,
		messaging.WithLogger(logger),
		messaging.WithMetrics(metrics),
		messaging.WithSource("orderd", "1.0"),
	)

	rebuilder := order.NewRebuilder(store).
		WithSnapshots(snapshots).
		WithLogger(logger)
	handler := eventsourcing.NewHandler(rebuilder, store, ledger,
		eventsourcing.WithPublisher[order.State](publisher),
		eventsourcing.WithSnapshotting[order.State](snapshots, eventsourcing.NewIntervalSnapshotStrategy(cfg.SnapshotInterval)),
		eventsourcing.WithCommandTTL[order.State](cfg.CommandTTL),
		eventsourcing.WithLogger[order.State](logger),
		eventsourcing.WithMetrics[order.State](metrics),
	)

	commandBus := eventsourcing.NewBus(handler)
	commandBus.Use(middleware.Recovery(logger))
	commandBus.Use(middleware.Tracing("eventengine/orderd"))
	commandBus.Use(middleware.Logging(logger))
	commandBus.Use(middleware.Envelope())
	order.RegisterAll(commandBus)

	sweeper := messaging.NewSweeper(ledger, store, publisher,
		messaging.WithSweeperLogger(logger),
	)

	services := []runner.Service{
		runner.NewPeriodic("republish-sweep", cfg.SweepInterval, func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}, runner.NewSlogLogger(logger)),
		runner.NewPeriodic("ledger-purge", cfg.PurgeInterval, func(ctx context.Context) error {
			purged, err := ledger.PurgeExpired(ctx)
			if err == nil && purged > 0 {
				logger.Info("purged expired command records", slog.Int64("count", purged))
			}
			return err
		}, runner.NewSlogLogger(logger)),
	}

	if cfg.Demo {
		if err := demoFlow(context.Background(), commandBus, logger); err != nil {
			return err
		}
	}

	r := runner.New(services,
		runner.WithLogger(runner.NewSlogLogger(logger)),
		runner.WithShutdownTimeout(15*time.Second),
	)
	return r.Run(context.Background())
}

// connectBus uses an external NATS server when configured, otherwise
// starts an embedded one.
func connectBus(cfg config) (*natspkg.EventBus, *natspkg.EmbeddedServer, error) {
	if cfg.NATSURL != "" {
		busCfg := natspkg.DefaultConfig()
		busCfg.URL = cfg.NATSURL
		busCfg.StreamName = cfg.StreamName
		bus, err := natspkg.NewEventBus(busCfg)
		return bus, nil, err
	}
	return appendServer(cfg)
}

func appendServer(cfg config) (*natspkg.EventBus, *natspkg.EmbeddedServer, error) {
	embedded, err := natspkg.StartEmbeddedServer()
	if err != nil {
		return nil, nil, err
	}
	busCfg := natspkg.DefaultConfig()
	busCfg.URL = embedded.URL()
	busCfg.StreamName = cfg.StreamName
	bus, err := natspkg.NewEventBus(busCfg)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	return bus, embedded, nil
}

// demoFlow walks one order through its lifecycle.
func demoFlow(ctx context.Context, bus *eventsourcing.Bus[order.State], logger *slog.Logger) error {
	orderID := "order-" + idgen.MustNewSortableID()

	steps := []struct {
		commandType string
		payload     any
	}{
		{order.CmdCreateOrder, order.CreateOrderPayload{CustomerID: "cust-42"}},
		{order.CmdAddItem, map[string]any{"product_id": "widget", "quantity": 2, "price": "19.99"}},
		{order.CmdAddItem, map[string]any{"product_id": "gadget", "quantity": 1, "price": "5.00"}},
		{order.CmdApplyDiscount, map[string]any{"amount": "4.99"}},
		{order.CmdConfirmOrder, struct{}{}},
		{order.CmdShipOrder, struct{}{}},
	}

	for _, step := range steps {
		payload, err := json.Marshal(step.payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", step.commandType, err)
		}

		result, err := bus.Dispatch(ctx, &domain.Command{
			CommandType:    step.commandType,
			AggregateID:    orderID,
			IdempotencyKey: idgen.MustNewSortableID(),
			Payload:        payload,
		})
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", step.commandType, err)
		}

		logger.Info("demo command processed",
			slog.String("command_type", step.commandType),
			slog.String("order_id", orderID),
			slog.Int64("version", result.Version),
			slog.Bool("published", result.Published),
		)
	}

	return nil
}
