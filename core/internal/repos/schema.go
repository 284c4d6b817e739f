package repos

// Schema holds the statements dbx.Migrate runs at startup. Every statement
// is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS interactions (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		customer_id        TEXT NOT NULL,
		customer_address   TEXT NOT NULL DEFAULT '',
		channel            TEXT NOT NULL,
		priority           TEXT NOT NULL,
		state              TEXT NOT NULL,
		assigned_agent_id  TEXT NOT NULL DEFAULT '',
		assigned_team_id   TEXT NOT NULL DEFAULT '',
		first_response_due TIMESTAMPTZ,
		resolution_due     TIMESTAMPTZ,
		first_responded_at TIMESTAMPTZ,
		escalation_count   INT NOT NULL DEFAULT 0,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		messages           JSONB NOT NULL DEFAULT '[]'::jsonb,
		audit              JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		closed_at          TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS interactions_tenant_state_idx ON interactions (tenant_id, state, created_at)`,
	`CREATE INDEX IF NOT EXISTS interactions_customer_idx ON interactions (tenant_id, customer_id, channel, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS agents (
		tenant_id        TEXT NOT NULL,
		id               TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		skills           JSONB NOT NULL DEFAULT '{}'::jsonb,
		channels         TEXT[] NOT NULL DEFAULT '{}',
		team_ids         TEXT[] NOT NULL DEFAULT '{}',
		max_concurrent   INT NOT NULL,
		status           TEXT NOT NULL,
		last_assigned_at TIMESTAMPTZ,
		updated_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS teams (
		tenant_id        TEXT NOT NULL,
		id               TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		fallback_team_id TEXT NOT NULL DEFAULT '',
		updated_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		event_id       UUID PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		topic          TEXT NOT NULL,
		payload        JSONB NOT NULL,
		status         TEXT NOT NULL,
		attempts       INT NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMPTZ,
		locked_at      TIMESTAMPTZ,
		locked_by      TEXT,
		last_error     TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		published_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (status, next_retry_at, created_at)`,
}
