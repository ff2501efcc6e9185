// Package tenant resolves organization ids to their database connections.
// Tenant databases are provisioned by an external pipeline; the control
// catalog only tells us where each one lives.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"chatwire.app/sessiond/core/config"
	"chatwire.app/sessiond/core/db"
	"chatwire.app/sessiond/internal/store"
)

// ErrOrganizationNotFound is returned when the control catalog has no entry
// for the organization.
var ErrOrganizationNotFound = errors.New("organization not found")

// Resolver maps organization ids to pooled tenant connections. Pools are
// opened lazily on first use and cached for the life of the process.
type Resolver struct {
	control *db.DB
	cfg     config.TenantConfig

	mu    sync.RWMutex
	pools map[string]*db.DB
}

func NewResolver(control *db.DB, cfg config.TenantConfig) *Resolver {
	return &Resolver{
		control: control,
		cfg:     cfg,
		pools:   make(map[string]*db.DB),
	}
}

// Channels returns the channel store for the organization's tenant database.
func (r *Resolver) Channels(ctx context.Context, organizationID string) (store.ChannelStore, error) {
	tenantDB, err := r.tenantDB(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return store.NewChannelStore(tenantDB.Pool()), nil
}

func (r *Resolver) tenantDB(ctx context.Context, organizationID string) (*db.DB, error) {
	r.mu.RLock()
	cached, ok := r.pools[organizationID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	dsn, err := r.lookupDSN(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have opened the pool while we looked up the DSN.
	if cached, ok := r.pools[organizationID]; ok {
		return cached, nil
	}

	tenantDB, err := db.New(ctx, db.Config{
		DSN:      dsn,
		MaxConns: r.cfg.MaxConns,
		MinConns: r.cfg.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to tenant database for org %s: %w", organizationID, err)
	}

	r.pools[organizationID] = tenantDB
	slog.InfoContext(ctx, "tenant pool opened", "organization_id", organizationID)
	return tenantDB, nil
}

func (r *Resolver) lookupDSN(ctx context.Context, organizationID string) (string, error) {
	var dsn string
	err := r.control.Pool().
		QueryRow(ctx, `SELECT database_url FROM organizations WHERE id = $1`, organizationID).
		Scan(&dsn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOrganizationNotFound
		}
		return "", fmt.Errorf("resolving tenant for org %s: %w", organizationID, err)
	}
	return dsn, nil
}

// Close closes every cached tenant pool. The control pool is owned by the
// caller and is not touched.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for orgID, tenantDB := range r.pools {
		tenantDB.Close()
		delete(r.pools, orgID)
	}
}
