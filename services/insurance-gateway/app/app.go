// Package app assembles the insurance gateway from its configuration. The
// service binary and the operator CLI share it so both see the same stores
// and ledger settings.
package app

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"shipcover/crypto"
	"shipcover/crypto/condition"
	"shipcover/insurance/escrow"
	"shipcover/insurance/workflow"
	"shipcover/ledger"
	"shipcover/services/insurance-gateway/config"
	"shipcover/services/insurance-gateway/models"
	"shipcover/services/insurance-gateway/recon"
	"shipcover/services/insurance-gateway/store"
)

// App holds the wired collaborators.
type App struct {
	DB         *gorm.DB
	Custodian  *crypto.Wallet
	Gateway    *ledger.Gateway
	Protocol   *escrow.Protocol
	Shipments  *store.Shipments
	Terminals  *store.Terminals
	Workflow   *workflow.Service
	Reconciler *recon.Reconciler
}

// OpenDB connects to postgres for postgres:// URLs and to sqlite otherwise.
func OpenDB(url string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialector = postgres.Open(url)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

// New wires the stores, the ledger gateway, the escrow protocol, the
// workflow service and the reconciler. The database is closed again when
// wiring fails after it was opened.
func New(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	seed, err := cfg.ResolveCustodianSeed()
	if err != nil {
		return nil, err
	}
	custodian, err := crypto.WalletFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("custodian wallet: %w", err)
	}
	conditions, err := condition.NewGenerator([]byte(cfg.Escrow.Preimage))
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			closeDB(db, logger)
		}
	}()

	client := ledger.NewClient(ledger.ClientConfig{
		URL:               cfg.Ledger.NodeURL,
		Timeout:           cfg.Ledger.Timeout,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Burst:             cfg.Ledger.Burst,
	})
	gateway := ledger.NewGateway(client, ledger.GatewayConfig{
		LedgerOffset: cfg.Ledger.LedgerOffset,
		MaxFee:       ledger.Drops(cfg.Ledger.MaxFeeDrops),
		PollInterval: cfg.Ledger.PollInterval,
		WaitBudget:   cfg.Ledger.WaitBudget,
	}, ledger.WithLogger(logger))

	shipments := store.NewShipments(db)
	terminals := store.NewTerminals(db)
	protocol, err := escrow.New(escrow.Config{
		Custodian:  custodian,
		Conditions: conditions,
		Window:     cfg.Escrow.Window,
		Gateway:    gateway,
		Terminals:  terminals,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	svc, err := workflow.NewService(shipments, protocol,
		workflow.WithLogger(logger),
		workflow.WithTxStatus(gateway))
	if err != nil {
		return nil, err
	}
	reconciler, err := recon.NewReconciler(recon.Config{
		Custodian:  custodian.Address(),
		Ledger:     gateway,
		Shipments:  shipments,
		Terminals:  terminals,
		Outcomes:   svc,
		OutputDir:  cfg.Recon.OutputDir,
		DryRun:     cfg.Recon.DryRun,
		StaleAfter: cfg.Recon.StaleAfter,
		Now:        func() time.Time { return time.Now().UTC() },
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("insurance gateway assembled",
		slog.String("custodian", custodian.Address().String()),
		slog.String("condition", conditions.Condition()),
		slog.String("node_url", cfg.Ledger.NodeURL))
	return &App{
		DB:         db,
		Custodian:  custodian,
		Gateway:    gateway,
		Protocol:   protocol,
		Shipments:  shipments,
		Terminals:  terminals,
		Workflow:   svc,
		Reconciler: reconciler,
	}, nil
}

// Close releases the database pool.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB, logger *slog.Logger) {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		logger.Warn("database close failed", slog.Any("error", err))
	}
}
