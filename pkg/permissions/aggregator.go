package permissions

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldmesh/iotaccess/pkg/observability"
)

const tracerName = "github.com/fieldmesh/iotaccess/pkg/permissions"

// GrantSource supplies the raw data a principal's permission set is built from
type GrantSource interface {
	// GrantRows returns one row per (grant, level, application) the principal holds
	GrantRows(ctx context.Context, p Principal) ([]GrantRow, error)

	// ApplicationIDsByOrganization returns all applications of each organization
	ApplicationIDsByOrganization(ctx context.Context, organizationIDs []int64) (map[int64][]int64, error)
}

// Resolver turns a principal into its permission set
type Resolver interface {
	Resolve(ctx context.Context, p Principal) (*PermissionSet, error)
}

// Aggregator resolves permission sets from a GrantSource
type Aggregator struct {
	source  GrantSource
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewAggregator creates a new aggregator. metrics may be nil.
func NewAggregator(source GrantSource, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		source:  source,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// Resolve builds the permission set of p from its current grants. A principal
// without grants gets an empty set, not an error.
func (a *Aggregator) Resolve(ctx context.Context, p Principal) (*PermissionSet, error) {
	ctx, span := a.tracer.Start(ctx, "permissions.Resolve", trace.WithAttributes(
		attribute.String("principal.kind", string(p.Kind)),
		attribute.Int64("principal.id", p.ID),
	))
	defer span.End()

	start := time.Now()
	set, err := a.resolve(ctx, p)

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("permissions.global_admin", set.IsGlobalAdmin))
	}
	a.metrics.RecordPermissionResolve(string(p.Kind), result, time.Since(start))

	return set, err
}

func (a *Aggregator) resolve(ctx context.Context, p Principal) (*PermissionSet, error) {
	rows, err := a.source.GrantRows(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants for %s: %w", p, err)
	}

	set := FoldRows(rows)

	if userAdminOrgs := set.AllOrganizationsWithUserAdmin(); len(userAdminOrgs) > 0 {
		apps, err := a.source.ApplicationIDsByOrganization(ctx, userAdminOrgs)
		if err != nil {
			return nil, fmt.Errorf("failed to expand organization applications for %s: %w", p, err)
		}
		ExpandUserAdmin(set, apps)
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"principal":    p.String(),
		"grant_rows":   len(rows),
		"global_admin": set.IsGlobalAdmin,
	}).Debug("resolved permission set")

	return set, nil
}

// FoldRows folds grant rows into a permission set. Rows for organization
// scoped levels that lack an organization are dropped.
func FoldRows(rows []GrantRow) *PermissionSet {
	set := NewPermissionSet()

	for _, row := range rows {
		if row.Level == LevelGlobalAdmin {
			set.IsGlobalAdmin = true
			continue
		}
		if row.OrganizationID == nil {
			continue
		}
		org := *row.OrganizationID

		switch row.Level {
		case LevelOrganizationApplicationAdmin:
			// An application admin grant without applications grants nothing.
			if row.ApplicationID != nil {
				set.OrgToApplicationAdminPermissions[org] = append(set.OrgToApplicationAdminPermissions[org], *row.ApplicationID)
			}
		case LevelOrganizationGatewayAdmin:
			set.OrgToGatewayAdminPermissions[org] = struct{}{}
		case LevelOrganizationUserAdmin:
			appendScoped(set.OrgToUserAdminPermissions, org, row.ApplicationID)
		case LevelRead:
			appendScoped(set.OrgToReadPermissions, org, row.ApplicationID)
		}
	}

	set.finalize()
	return set
}

// ExpandUserAdmin unions every application of a user-admin organization into
// its user admin entry
func ExpandUserAdmin(set *PermissionSet, appsByOrg map[int64][]int64) {
	for org := range set.OrgToUserAdminPermissions {
		set.OrgToUserAdminPermissions[org] = uniqueSorted(
			append(set.OrgToUserAdminPermissions[org], appsByOrg[org]...),
		)
	}
}

// appendScoped records org in m and, if present, the application
func appendScoped(m map[int64][]int64, org int64, appID *int64) {
	apps, ok := m[org]
	if !ok {
		apps = []int64{}
	}
	if appID != nil {
		apps = append(apps, *appID)
	}
	m[org] = apps
}
