// Package server initializes and runs the regstate server: it loads the
// model, opens and migrates the database, wires the services and serves
// them over gRPC until the process is signalled.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/regstate/internal/server/services"
	"github.com/dmitrijs2005/regstate/internal/tracing"

	gs "github.com/dmitrijs2005/regstate/internal/server/grpc"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	services gs.Services
	shutdown func(context.Context) error
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.New(os.Stdout, c.LogLevel)

	registry, err := model.Load(c.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("model init error: %w", err)
	}

	shutdown, err := tracing.Setup(ctx, c.OTLPEndpoint, "regstate")
	if err != nil {
		return nil, fmt.Errorf("tracing init error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		services: Wire(db, rm, registry, c, logger),
		shutdown: shutdown,
	}, nil
}

// Wire builds the services over a database and repository manager.
func Wire(db *sql.DB, rm repomanager.RepositoryManager, registry *model.Registry, c *config.Config, logger logging.Logger) gs.Services {
	store := services.NewEventStore(db, rm, c)
	applier := services.NewApplyService(db, rm, registry, store, c, logger)
	views := services.NewViewService(db, rm, registry, logger)
	return gs.Services{
		Importer: services.NewImportService(db, rm, registry, store, applier, c, logger),
		Applier:  applier,
		Relater:  services.NewRelateService(db, rm, registry, views, c, logger),
		Views:    views,
		Exporter: services.NewExportService(db, rm, registry, c, logger),
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.services)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.close()
}

func (app *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.shutdown(ctx); err != nil {
		app.logger.Warn(ctx, "tracing shutdown failed", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
