package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldmesh/iotaccess/pkg/observability"
)

// Config holds permission subsystem configuration
type Config struct {
	// CacheTTL is how long a resolved set may be reused. Zero resolves on every request.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached sets
	CacheSize int

	// BootstrapAdminUserID, when non-zero, is attached to the global admin grant on Initialize
	BootstrapAdminUserID int64
}

// DefaultConfig returns the default configuration: no caching
func DefaultConfig() Config {
	return Config{
		CacheTTL:  0,
		CacheSize: 1024,
	}
}

// Manager wires the store, aggregator and provisioner together
type Manager struct {
	db          *sql.DB
	store       *Store
	aggregator  *Aggregator
	resolver    Resolver
	provisioner *Provisioner
	config      Config
}

// NewManager creates a new permission manager. revisions and metrics may be nil;
// a nil revision source falls back to an in-process counter when caching is on.
func NewManager(db *sql.DB, revisions RevisionSource, metrics *observability.Metrics, config Config) *Manager {
	if config.CacheTTL > 0 && revisions == nil {
		revisions = NewLocalRevisions()
	}

	store := NewStore(db)
	if revisions != nil {
		store.WithRevisions(revisions)
	}
	aggregator := NewAggregator(store, metrics)

	var resolver Resolver = aggregator
	if config.CacheTTL > 0 {
		resolver = NewCachedResolver(aggregator, revisions, config.CacheSize, config.CacheTTL, metrics)
	}

	return &Manager{
		db:          db,
		store:       store,
		aggregator:  aggregator,
		resolver:    resolver,
		provisioner: NewProvisioner(store),
		config:      config,
	}
}

// Initialize runs migrations and makes sure the global admin grant exists
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	grant, err := m.provisioner.FindOrCreateGlobalAdmin(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize global admin grant: %w", err)
	}

	if m.config.BootstrapAdminUserID != 0 {
		if err := m.store.AttachPrincipal(ctx, grant.ID, User(m.config.BootstrapAdminUserID)); err != nil {
			return fmt.Errorf("failed to bootstrap global admin: %w", err)
		}
		observability.FromContext(ctx).WithField("user_id", m.config.BootstrapAdminUserID).Info("bootstrap user attached to global admin grant")
	}
	return nil
}

// Resolve resolves the permission set of p, through the cache when enabled
func (m *Manager) Resolve(ctx context.Context, p Principal) (*PermissionSet, error) {
	return m.resolver.Resolve(ctx, p)
}

// Store returns the grant store
func (m *Manager) Store() *Store {
	return m.store
}

// Provisioner returns the grant provisioner
func (m *Manager) Provisioner() *Provisioner {
	return m.provisioner
}

// Resolver returns the resolver used by Resolve
func (m *Manager) Resolver() Resolver {
	return m.resolver
}
