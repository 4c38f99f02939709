package storage

import "github.com/jmoiron/sqlx"

// EnsureSchema creates the engine tables if they don't exist.
func EnsureSchema(db *sqlx.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS brands (
	brand_id   TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	api_key    TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scheduled_units (
	unit_id          UUID PRIMARY KEY,
	campaign_id      TEXT NOT NULL,
	brand_id         TEXT NOT NULL REFERENCES brands(brand_id),
	capability       TEXT NOT NULL,
	payload          JSONB NOT NULL,
	scheduled_at     TIMESTAMPTZ NOT NULL,
	next_attempt_at  TIMESTAMPTZ NOT NULL,
	attempts         INT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending','in-progress','succeeded','failed','escalated')),
	failure_cause    TEXT,
	last_error       TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	worker_id        TEXT,
	result           JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_units_due
	ON scheduled_units(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_units_campaign
	ON scheduled_units(campaign_id);

CREATE TABLE IF NOT EXISTS credit_balances (
	brand_id   TEXT NOT NULL REFERENCES brands(brand_id),
	capability TEXT NOT NULL,
	remaining  INT NOT NULL CHECK (remaining >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (brand_id, capability)
);

CREATE TABLE IF NOT EXISTS asset_records (
	asset_id     UUID PRIMARY KEY,
	brand_id     TEXT NOT NULL REFERENCES brands(brand_id),
	unit_id      UUID NOT NULL REFERENCES scheduled_units(unit_id),
	capability   TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content      BYTEA,
	url          TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_assets_brand
	ON asset_records(brand_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}
