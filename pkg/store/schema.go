package store

// Schema DDL executed on API startup. Statements are idempotent so a
// restart against an initialized database is a no-op.
var schemaStatements = []string{
	`DO $$ BEGIN
		CREATE TYPE proto AS ENUM ('vless_xtls', 'vless_grpc', 'vmess', 'shadowsocks', 'wireguard');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,

	`CREATE TABLE IF NOT EXISTS users (
		user_id     uuid PRIMARY KEY,
		username    text NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now(),
		modified_at timestamptz NOT NULL DEFAULT now(),
		is_deleted  boolean NOT NULL DEFAULT false
	)`,

	// Usernames are unique among live accounts only; tombstones keep
	// their name.
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_live
		ON users (username) WHERE NOT is_deleted`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id            uuid PRIMARY KEY,
		expires_at    timestamptz,
		referred_by   uuid,
		referral_code text,
		is_deleted    boolean NOT NULL DEFAULT false,
		modified_at   timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		uuid              uuid PRIMARY KEY,
		env               text NOT NULL,
		hostname          text NOT NULL,
		interface         text NOT NULL DEFAULT '',
		status            text NOT NULL,
		last_heartbeat_at timestamptz,
		created_at        timestamptz NOT NULL DEFAULT now(),
		modified_at       timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS inbounds (
		id              uuid PRIMARY KEY,
		node_id         uuid NOT NULL REFERENCES nodes (uuid),
		tag             proto NOT NULL,
		port            integer NOT NULL CHECK (port > 0 AND port < 65536),
		stream_settings jsonb,
		wg              jsonb,
		uplink          bigint NOT NULL DEFAULT 0,
		downlink        bigint NOT NULL DEFAULT 0,
		conn_count      bigint NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS connections (
		conn_id     uuid PRIMARY KEY,
		user_id     uuid NOT NULL REFERENCES users (user_id),
		proto       proto NOT NULL,
		proto_extra jsonb,
		status      text NOT NULL,
		"limit"     bigint NOT NULL DEFAULT 0,
		trial       boolean NOT NULL DEFAULT false,
		online      bigint NOT NULL DEFAULT 0,
		uplink      bigint NOT NULL DEFAULT 0,
		downlink    bigint NOT NULL DEFAULT 0,
		created_at  timestamptz NOT NULL DEFAULT now(),
		modified_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS connections_user_proto_live
		ON connections (user_id, proto) WHERE status <> 'deleted'`,

	`CREATE INDEX IF NOT EXISTS connections_user ON connections (user_id)`,
}
