// Package bunstore implements the storage contract on PostgreSQL through
// the bun ORM. Entity JSON documents are stored alongside their key
// columns, matching the single-entity atomicity the contract requires.
package bunstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/store"
)

type connectorRow struct {
	bun.BaseModel `bun:"table:connectors"`

	ID   string           `bun:"id,pk"`
	Body *types.Connector `bun:"body,type:jsonb"`
}

type proxyRow struct {
	bun.BaseModel `bun:"table:proxies"`

	ID          string       `bun:"id,pk"`
	ConnectorID string       `bun:"connector_id"`
	Body        *types.Proxy `bun:"body,type:jsonb"`
}

type taskRow struct {
	bun.BaseModel `bun:"table:tasks"`

	ID          string      `bun:"id,pk"`
	ConnectorID string      `bun:"connector_id"`
	Body        *types.Task `bun:"body,type:jsonb"`
}

type BunStore struct {
	db *bun.DB
}

func New(ctx context.Context, dsn string) (*BunStore, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	bs := &BunStore{db: db}
	if err := bs.initSchema(ctx); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BunStore) initSchema(ctx context.Context) error {
	for _, model := range []interface{}{(*connectorRow)(nil), (*proxyRow)(nil), (*taskRow)(nil)} {
		if _, err := bs.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (bs *BunStore) ReadConnector(ctx context.Context, id string) (*types.Connector, error) {
	row := new(connectorRow)
	err := bs.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Body, nil
}

func (bs *BunStore) WriteConnector(ctx context.Context, c *types.Connector) error {
	_, err := bs.db.NewInsert().
		Model(&connectorRow{ID: c.ID, Body: c}).
		On("CONFLICT (id) DO UPDATE").
		Set("body = EXCLUDED.body").
		Exec(ctx)
	return err
}

func (bs *BunStore) ReadConnectors(ctx context.Context) ([]*types.Connector, error) {
	var rows []connectorRow
	if err := bs.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*types.Connector, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Body)
	}
	return out, nil
}

func (bs *BunStore) ReadProxies(ctx context.Context, connectorID string) ([]*types.Proxy, error) {
	var rows []proxyRow
	if err := bs.db.NewSelect().Model(&rows).
		Where("connector_id = ?", connectorID).
		Order("id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*types.Proxy, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Body)
	}
	return out, nil
}

func (bs *BunStore) WriteProxy(ctx context.Context, p *types.Proxy) error {
	_, err := bs.db.NewInsert().
		Model(&proxyRow{ID: p.ID, ConnectorID: p.ConnectorID, Body: p}).
		On("CONFLICT (id) DO UPDATE").
		Set("body = EXCLUDED.body").
		Exec(ctx)
	return err
}

func (bs *BunStore) DeleteProxy(ctx context.Context, connectorID, proxyID string) error {
	_, err := bs.db.NewDelete().
		Model((*proxyRow)(nil)).
		Where("id = ? AND connector_id = ?", proxyID, connectorID).
		Exec(ctx)
	return err
}

func (bs *BunStore) ReadTasks(ctx context.Context, connectorID string) ([]*types.Task, error) {
	var rows []taskRow
	if err := bs.db.NewSelect().Model(&rows).
		Where("connector_id = ?", connectorID).
		Order("id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Body)
	}
	return out, nil
}

func (bs *BunStore) WriteTask(ctx context.Context, t *types.Task) error {
	_, err := bs.db.NewInsert().
		Model(&taskRow{ID: t.ID, ConnectorID: t.ConnectorID, Body: t}).
		On("CONFLICT (id) DO UPDATE").
		Set("body = EXCLUDED.body").
		Exec(ctx)
	return err
}

func (bs *BunStore) Close() error { return bs.db.Close() }
