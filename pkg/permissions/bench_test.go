package permissions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// seedBenchmark creates organizations with applications and a user holding
// the default grants of each
func seedBenchmark(b *testing.B, store *Store, organizations, applications int) Principal {
	b.Helper()
	ctx := context.Background()
	provisioner := NewProvisioner(store)
	user := User(1)

	for org := int64(1); org <= int64(organizations); org++ {
		if _, err := store.db.ExecContext(ctx, `INSERT INTO organizations (id, name) VALUES ($1, $2)`, org, fmt.Sprintf("org-%d", org)); err != nil {
			b.Fatalf("Failed to create organization: %v", err)
		}
		if _, err := provisioner.CreateDefaultPermissions(ctx, org, fmt.Sprintf("org-%d", org), &user); err != nil {
			b.Fatalf("Failed to provision organization: %v", err)
		}
		for i := 0; i < applications; i++ {
			var appID int64
			if err := store.db.QueryRowContext(ctx,
				`INSERT INTO applications (organization_id, name) VALUES ($1, $2) RETURNING id`,
				org, fmt.Sprintf("app-%d", i),
			).Scan(&appID); err != nil {
				b.Fatalf("Failed to create application: %v", err)
			}
			if err := provisioner.OnApplicationCreated(ctx, org, appID, nil); err != nil {
				b.Fatalf("Failed to add application: %v", err)
			}
		}
	}
	return user
}

// BenchmarkAggregatorResolve benchmarks uncached resolution including the
// user admin expansion query
func BenchmarkAggregatorResolve(b *testing.B) {
	db := NewSQLiteTestDB(b)
	store := NewStore(db)
	user := seedBenchmark(b, store, 10, 20)
	aggregator := NewAggregator(store, nil)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := aggregator.Resolve(ctx, user); err != nil {
			b.Fatalf("Resolve failed: %v", err)
		}
	}
}

// BenchmarkCachedResolveWithRedis benchmarks cache hits validated against a
// shared Redis revision
func BenchmarkCachedResolveWithRedis(b *testing.B) {
	mr, err := miniredis.Run()
	if err != nil {
		b.Skipf("Could not start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	db := NewSQLiteTestDB(b)
	revisions := NewRedisRevisions(client, "")
	store := NewStore(db).WithRevisions(revisions)
	user := seedBenchmark(b, store, 10, 20)
	cached := NewCachedResolver(NewAggregator(store, nil), revisions, 128, time.Minute, nil)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cached.Resolve(ctx, user); err != nil {
			b.Fatalf("Resolve failed: %v", err)
		}
	}
}
