// Package infrastructure assembles the data access layer from its parts:
// lifecycle coordination, logging, the database connection, and the full
// validation/healing/transaction stack behind the access facade.
package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/JaimeStill/mend/internal/access"
	"github.com/JaimeStill/mend/internal/audit"
	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/internal/config"
	"github.com/JaimeStill/mend/internal/fixes"
	"github.com/JaimeStill/mend/internal/healing"
	"github.com/JaimeStill/mend/internal/patterns"
	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/internal/transactions"
	"github.com/JaimeStill/mend/pkg/database"
	"github.com/JaimeStill/mend/pkg/lifecycle"
)

// Infrastructure holds the assembled systems. It provides a single point
// of initialization and lifecycle coordination for the whole layer.
type Infrastructure struct {
	Lifecycle    *lifecycle.Coordinator
	Logger       *slog.Logger
	Database     database.System
	Store        backend.Store
	Validator    *schema.Validator
	Patterns     *patterns.Store
	Healing      *healing.Loop
	Transactions *transactions.Manager
	Audit        *audit.Logger
	Access       *access.Client

	cfg *config.Config
}

// New creates an Infrastructure from configuration. It initializes all
// systems but does not start them; call Start separately.
func New(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	lc := lifecycle.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}

	store := backend.NewPostgres(db.Connection(), logger)
	validator := schema.NewValidator(store, cfg.Schema.CacheTTLDuration(), logger)
	registry := fixes.NewRegistry(logger)
	patternStore := patterns.NewStore(db.Connection(), cfg.Healing.MinPatternConfidence, logger)
	auditLog := audit.New(db.Connection(), cfg.Audit.QueuePath, cfg.Audit.MaxRetries, logger)

	var oracle healing.Oracle
	if cfg.Healing.Oracle.Enabled() {
		oracle, err = healing.NewGenAI(
			ctx,
			cfg.Healing.Oracle.APIKey,
			cfg.Healing.Oracle.Model,
			cfg.Healing.Oracle.TimeoutDuration(),
			cfg.Healing.Oracle.Retries,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("oracle init failed: %w", err)
		}
	} else {
		logger.Warn("no oracle api key configured, healing limited to deterministic and learned tiers")
	}

	loop := healing.NewLoop(validator, registry, patternStore, oracle, cfg.Healing.MaxAttempts, logger)

	txm := transactions.NewManager(
		store,
		auditLog,
		cfg.Transactions.TimeoutDuration(),
		cfg.Transactions.PrimaryKeys,
		logger,
	)

	client := access.New(store, validator, loop, txm, auditLog, cfg.Healing.HealLimit, logger)

	return &Infrastructure{
		Lifecycle:    lc,
		Logger:       logger,
		Database:     db,
		Store:        store,
		Validator:    validator,
		Patterns:     patternStore,
		Healing:      loop,
		Transactions: txm,
		Audit:        auditLog,
		Access:       client,
		cfg:          cfg,
	}, nil
}

// Start registers all systems with the lifecycle coordinator, including
// the transaction staleness sweep and the audit queue flush.
func (i *Infrastructure) Start() error {
	if err := i.Database.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("database start failed: %w", err)
	}

	i.Transactions.Start(i.Lifecycle, i.cfg.Transactions.SweepIntervalDuration())
	i.Audit.Start(i.Lifecycle, i.cfg.Audit.FlushIntervalDuration())

	return nil
}
