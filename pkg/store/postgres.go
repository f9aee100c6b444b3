package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/types"
)

// Store is the pgx-backed relational store. It is the source of truth on
// restart; the cache is rebuilt from it via LoadAll.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New opens the connection pool. The database being unreachable at init
// is a startup-fatal condition for the API process.
func New(ctx context.Context, cfg config.Postgres) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errdefs.New(errdefs.KindDatabase, err)
	}
	poolCfg.MaxConns = cfg.PoolSize

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errdefs.New(errdefs.KindDatabase, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errdefs.New(errdefs.KindDatabase, fmt.Errorf("ping: %w", err))
	}
	return &Store{pool: pool, timeout: cfg.Timeout.Or(5 * time.Second)}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// EnsureSchema applies the idempotent DDL.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		cctx, cancel := s.ctx(ctx)
		_, err := s.pool.Exec(cctx, stmt)
		cancel()
		if err != nil {
			return errdefs.New(errdefs.KindDatabase, fmt.Errorf("apply schema: %w", err))
		}
	}
	return nil
}

// User operations

func (s *Store) InsertUser(ctx context.Context, u *types.User) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`INSERT INTO users (user_id, username, created_at, modified_at, is_deleted)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.UserID, u.Username, u.CreatedAt, u.ModifiedAt, u.IsDeleted)
	return wrapDB(err)
}

func (s *Store) UpdateUser(ctx context.Context, u *types.User) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`UPDATE users SET username = $2, modified_at = $3, is_deleted = $4 WHERE user_id = $1`,
		u.UserID, u.Username, u.ModifiedAt, u.IsDeleted)
	return wrapDB(err)
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID, at time.Time) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`UPDATE users SET is_deleted = true, modified_at = $2 WHERE user_id = $1`,
		id, at)
	return wrapDB(err)
}

// Subscription operations

func (s *Store) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`INSERT INTO subscriptions (id, expires_at, referred_by, referral_code, is_deleted, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			referred_by = EXCLUDED.referred_by,
			referral_code = EXCLUDED.referral_code,
			is_deleted = EXCLUDED.is_deleted,
			modified_at = EXCLUDED.modified_at`,
		sub.ID, sub.ExpiresAt, sub.ReferredBy, nullString(sub.ReferralCode), sub.IsDeleted, sub.ModifiedAt)
	return wrapDB(err)
}

// Node operations

func (s *Store) InsertNode(ctx context.Context, n *types.Node) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(cctx)
	if err != nil {
		return wrapDB(err)
	}
	defer tx.Rollback(cctx)

	_, err = tx.Exec(cctx,
		`INSERT INTO nodes (uuid, env, hostname, interface, status, last_heartbeat_at, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (uuid) DO UPDATE SET
			env = EXCLUDED.env,
			hostname = EXCLUDED.hostname,
			interface = EXCLUDED.interface,
			status = EXCLUDED.status,
			modified_at = EXCLUDED.modified_at`,
		n.UUID, n.Env, n.Hostname, n.Interface, string(n.Status),
		nullTime(n.LastHeartbeatAt), n.CreatedAt, n.ModifiedAt)
	if err != nil {
		return wrapDB(err)
	}

	// Inbounds are replaced wholesale with the node.
	if _, err := tx.Exec(cctx, `DELETE FROM inbounds WHERE node_id = $1`, n.UUID); err != nil {
		return wrapDB(err)
	}
	for _, ib := range n.Inbounds {
		var wg []byte
		if ib.Wg != nil {
			if wg, err = json.Marshal(ib.Wg); err != nil {
				return errdefs.New(errdefs.KindSerialization, err)
			}
		}
		_, err = tx.Exec(cctx,
			`INSERT INTO inbounds (id, node_id, tag, port, stream_settings, wg, uplink, downlink, conn_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ib.ID, ib.NodeID, string(ib.Tag), int32(ib.Port), ib.StreamSettings, wg,
			ib.Uplink, ib.Downlink, ib.ConnCount)
		if err != nil {
			return wrapDB(err)
		}
	}
	return wrapDB(tx.Commit(cctx))
}

func (s *Store) UpdateNodeStatus(ctx context.Context, id uuid.UUID, status types.NodeStatus, heartbeatAt time.Time) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`UPDATE nodes SET status = $2, last_heartbeat_at = $3, modified_at = now() WHERE uuid = $1`,
		id, string(status), nullTime(heartbeatAt))
	return wrapDB(err)
}

// Connection operations

func (s *Store) InsertConn(ctx context.Context, c *types.Connection) error {
	extra, err := protoExtra(c.Proto)
	if err != nil {
		return err
	}
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err = s.pool.Exec(cctx,
		`INSERT INTO connections (conn_id, user_id, proto, proto_extra, status, "limit", trial,
			online, uplink, downlink, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ConnID, c.UserID, string(c.Proto.Tag), extra, string(c.Status), c.Limit, c.Trial,
		c.Stat.Online, c.Stat.Uplink, c.Stat.Downlink, c.CreatedAt, c.ModifiedAt)
	return wrapDB(err)
}

func (s *Store) UpdateConn(ctx context.Context, c *types.Connection) error {
	extra, err := protoExtra(c.Proto)
	if err != nil {
		return err
	}
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err = s.pool.Exec(cctx,
		`UPDATE connections SET proto = $2, proto_extra = $3, status = $4, "limit" = $5,
			trial = $6, modified_at = $7 WHERE conn_id = $1`,
		c.ConnID, string(c.Proto.Tag), extra, string(c.Status), c.Limit, c.Trial, c.ModifiedAt)
	return wrapDB(err)
}

func (s *Store) DeleteConn(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.UpdateConnStatus(ctx, id, types.ConnectionStatusDeleted, at)
}

func (s *Store) UpdateConnStatus(ctx context.Context, id uuid.UUID, status types.ConnectionStatus, at time.Time) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`UPDATE connections SET status = $2, modified_at = $3 WHERE conn_id = $1`,
		id, string(status), at)
	return wrapDB(err)
}

func (s *Store) UpdateConnStat(ctx context.Context, id uuid.UUID, stat types.ConnStat, at time.Time) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx,
		`UPDATE connections SET online = $2, uplink = $3, downlink = $4, modified_at = $5
		 WHERE conn_id = $1`,
		id, stat.Online, stat.Uplink, stat.Downlink, at)
	return wrapDB(err)
}

// Fleet is the full relational state read back on API startup.
type Fleet struct {
	Nodes         []*types.Node
	Connections   []*types.Connection
	Users         []*types.User
	Subscriptions []*types.Subscription
}

// LoadAll reads every table back for the startup cache rebuild.
func (s *Store) LoadAll(ctx context.Context) (*Fleet, error) {
	fleet := &Fleet{}

	if err := s.loadUsers(ctx, fleet); err != nil {
		return nil, err
	}
	if err := s.loadSubscriptions(ctx, fleet); err != nil {
		return nil, err
	}
	if err := s.loadNodes(ctx, fleet); err != nil {
		return nil, err
	}
	if err := s.loadConnections(ctx, fleet); err != nil {
		return nil, err
	}
	return fleet, nil
}

func (s *Store) loadUsers(ctx context.Context, fleet *Fleet) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.pool.Query(cctx,
		`SELECT user_id, username, created_at, modified_at, is_deleted FROM users`)
	if err != nil {
		return wrapDB(err)
	}
	defer rows.Close()
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.UserID, &u.Username, &u.CreatedAt, &u.ModifiedAt, &u.IsDeleted); err != nil {
			return wrapDB(err)
		}
		fleet.Users = append(fleet.Users, &u)
	}
	return wrapDB(rows.Err())
}

func (s *Store) loadSubscriptions(ctx context.Context, fleet *Fleet) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.pool.Query(cctx,
		`SELECT id, expires_at, referred_by, referral_code, is_deleted, modified_at FROM subscriptions`)
	if err != nil {
		return wrapDB(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sub  types.Subscription
			code *string
		)
		if err := rows.Scan(&sub.ID, &sub.ExpiresAt, &sub.ReferredBy, &code, &sub.IsDeleted, &sub.ModifiedAt); err != nil {
			return wrapDB(err)
		}
		if code != nil {
			sub.ReferralCode = *code
		}
		fleet.Subscriptions = append(fleet.Subscriptions, &sub)
	}
	return wrapDB(rows.Err())
}

func (s *Store) loadNodes(ctx context.Context, fleet *Fleet) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.pool.Query(cctx,
		`SELECT uuid, env, hostname, interface, status, last_heartbeat_at, created_at, modified_at FROM nodes`)
	if err != nil {
		return wrapDB(err)
	}
	nodes := make(map[uuid.UUID]*types.Node)
	for rows.Next() {
		var (
			n  types.Node
			hb *time.Time
		)
		var status string
		if err := rows.Scan(&n.UUID, &n.Env, &n.Hostname, &n.Interface, &status, &hb, &n.CreatedAt, &n.ModifiedAt); err != nil {
			rows.Close()
			return wrapDB(err)
		}
		n.Status = types.NodeStatus(status)
		if hb != nil {
			n.LastHeartbeatAt = *hb
		}
		nodes[n.UUID] = &n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapDB(err)
	}

	ibRows, err := s.pool.Query(cctx,
		`SELECT id, node_id, tag, port, stream_settings, wg, uplink, downlink, conn_count FROM inbounds`)
	if err != nil {
		return wrapDB(err)
	}
	defer ibRows.Close()
	for ibRows.Next() {
		var (
			ib   types.InboundSpec
			tag  string
			port int32
			wg   []byte
		)
		if err := ibRows.Scan(&ib.ID, &ib.NodeID, &tag, &port, &ib.StreamSettings, &wg, &ib.Uplink, &ib.Downlink, &ib.ConnCount); err != nil {
			return wrapDB(err)
		}
		ib.Tag = types.ProtoTag(tag)
		ib.Port = uint16(port)
		if len(wg) > 0 {
			var params types.WireguardParams
			if err := json.Unmarshal(wg, &params); err != nil {
				return errdefs.New(errdefs.KindSerialization, err)
			}
			ib.Wg = &params
		}
		if node, ok := nodes[ib.NodeID]; ok {
			node.Inbounds = append(node.Inbounds, &ib)
		}
	}
	if err := ibRows.Err(); err != nil {
		return wrapDB(err)
	}

	for _, n := range nodes {
		fleet.Nodes = append(fleet.Nodes, n)
	}
	return nil
}

func (s *Store) loadConnections(ctx context.Context, fleet *Fleet) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.pool.Query(cctx,
		`SELECT conn_id, user_id, proto, proto_extra, status, "limit", trial,
			online, uplink, downlink, created_at, modified_at FROM connections`)
	if err != nil {
		return wrapDB(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c      types.Connection
			tag    string
			extra  []byte
			status string
		)
		if err := rows.Scan(&c.ConnID, &c.UserID, &tag, &extra, &status, &c.Limit, &c.Trial,
			&c.Stat.Online, &c.Stat.Uplink, &c.Stat.Downlink, &c.CreatedAt, &c.ModifiedAt); err != nil {
			return wrapDB(err)
		}
		c.Status = types.ConnectionStatus(status)
		c.Proto = types.Proto{Tag: types.ProtoTag(tag)}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &c.Proto); err != nil {
				return errdefs.New(errdefs.KindSerialization, err)
			}
			c.Proto.Tag = types.ProtoTag(tag)
		}
		fleet.Connections = append(fleet.Connections, &c)
	}
	return wrapDB(rows.Err())
}

// protoExtra serializes the non-tag payload of a protocol variant.
func protoExtra(p types.Proto) ([]byte, error) {
	if p.Wg == nil && p.NodeID == nil && p.Password == "" {
		return nil, nil
	}
	extra, err := json.Marshal(p)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, err)
	}
	return extra, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errdefs.New(errdefs.KindNotFound, err)
	}
	return errdefs.New(errdefs.KindDatabase, err)
}
