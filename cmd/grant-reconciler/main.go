package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/iotaccess/pkg/config"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// The reconciler attaches applications to auto-add grants that missed them,
// for example when an application was created while provisioning failed.
func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadReconcilerConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()
	db.SetMaxOpenConns(2)

	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("Failed to ping database")
	}

	// Cached resolvers in the API servers only notice the repair through the
	// shared revision.
	var revisions permissions.RevisionSource
	if cfg.Permissions.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Permissions.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("Invalid Redis URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		revisions = permissions.NewRedisRevisions(client, cfg.Permissions.RevisionKey)
	}

	manager := permissions.NewManager(db, revisions, nil, cfg.PermissionManagerConfig())
	if err := permissions.RunMigrations(context.Background(), db); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}
	store := manager.Store()

	if cfg.Reconciler.RunOnce {
		if err := reconcile(store, log); err != nil {
			log.WithError(err).Fatal("Reconciliation failed")
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Reconciler.Schedule, func() {
		if err := reconcile(store, log); err != nil {
			log.WithError(err).Error("Reconciliation failed")
		}
	})
	if err != nil {
		log.WithError(err).WithField("schedule", cfg.Reconciler.Schedule).Fatal("Failed to schedule reconciliation")
	}

	c.Start()
	log.WithField("schedule", cfg.Reconciler.Schedule).Info("Grant reconciler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Info("Grant reconciler stopped")
}

func reconcile(store *permissions.Store, log *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	added, err := store.ReconcileAutoAddGrants(ctx)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"added":       added,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Auto-add grants reconciled")
	return nil
}
