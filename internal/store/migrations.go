package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "content store: nodes, edges, relation types",
		SQL: `
CREATE TABLE nodes (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL CHECK (kind IN ('text', 'record', 'ref', 'identity', 'aspect')),
    content     TEXT NOT NULL,
    creator     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    signature   TEXT NOT NULL DEFAULT '',
    pool        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_nodes_creator ON nodes(creator);
CREATE INDEX idx_nodes_kind    ON nodes(kind);
CREATE INDEX idx_nodes_pool    ON nodes(pool);

CREATE TABLE edges (
    id          TEXT PRIMARY KEY,
    from_node   TEXT NOT NULL,
    to_node     TEXT NOT NULL,
    relation    TEXT NOT NULL,
    creator     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    signature   TEXT NOT NULL DEFAULT '',

    FOREIGN KEY (from_node) REFERENCES nodes(id),
    FOREIGN KEY (to_node)   REFERENCES nodes(id),
    FOREIGN KEY (creator)   REFERENCES nodes(id)
);

CREATE INDEX idx_edges_from     ON edges(from_node, relation);
CREATE INDEX idx_edges_to       ON edges(to_node, relation);
CREATE INDEX idx_edges_relation ON edges(relation);

CREATE TABLE relation_types (
    name          TEXT PRIMARY KEY,
    transitive    INTEGER NOT NULL DEFAULT 0,
    symmetric     INTEGER NOT NULL DEFAULT 0,
    inverse       TEXT NOT NULL DEFAULT '',
    functional    INTEGER NOT NULL DEFAULT 0,
    antisymmetric INTEGER NOT NULL DEFAULT 0,
    creator       TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "ledger: attestations and the unified event log",
		SQL: `
CREATE TABLE attestations (
    id          TEXT PRIMARY KEY,
    by_identity TEXT NOT NULL,
    subject     TEXT NOT NULL,
    via         TEXT NOT NULL,
    weight      REAL NOT NULL CHECK (weight >= -1.0 AND weight <= 1.0),
    at          INTEGER NOT NULL,
    because     TEXT NOT NULL DEFAULT '[]',
    proxy       TEXT NOT NULL DEFAULT '',
    signature   TEXT NOT NULL
);

CREATE INDEX idx_att_subject ON attestations(subject);
CREATE INDEX idx_att_by      ON attestations(by_identity, subject, via, at);

CREATE TABLE events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT NOT NULL,
    ref_id      TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    UNIQUE (kind, ref_id)
);
`,
	},
	{
		Version:     3,
		Description: "observer events: traversals and focus",
		SQL: `
CREATE TABLE traversals (
    id          TEXT PRIMARY KEY,
    observer    TEXT NOT NULL,
    path        TEXT NOT NULL,
    hops        TEXT NOT NULL,
    at          INTEGER NOT NULL,

    FOREIGN KEY (observer) REFERENCES nodes(id)
);

CREATE INDEX idx_traversals_observer ON traversals(observer, at DESC);

CREATE TABLE focus_events (
    id          TEXT PRIMARY KEY,
    observer    TEXT NOT NULL,
    nodes       TEXT NOT NULL,
    at          INTEGER NOT NULL,

    FOREIGN KEY (observer) REFERENCES nodes(id)
);
`,
	},
	{
		Version:     4,
		Description: "audit: rejected writes, contradictions, cycles",
		SQL: `
CREATE TABLE rejected_writes (
    id          INTEGER PRIMARY KEY,
    kind        TEXT NOT NULL,
    ref_id      TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL,
    error       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    at          INTEGER NOT NULL
);

CREATE INDEX idx_rejected_at ON rejected_writes(at DESC);

CREATE TABLE contradictions (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL CHECK (kind IN ('disjoint', 'functional', 'antisymmetric')),
    subject     TEXT NOT NULL,
    a           TEXT NOT NULL,
    b           TEXT NOT NULL,
    detected_at INTEGER NOT NULL
);

CREATE TABLE cycle_events (
    id          TEXT PRIMARY KEY,
    attestation TEXT NOT NULL,
    edge        TEXT NOT NULL,
    depth       INTEGER NOT NULL,
    detected_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     5,
		Description: "materialized state: checkpoints, observer cache, provenance",
		SQL: `
CREATE TABLE checkpoints (
    job         TEXT PRIMARY KEY,
    seq         INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE observer_state (
    observer    TEXT NOT NULL,
    component   TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    body        TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (observer, component)
);

CREATE TABLE provenance (
    ref_id      TEXT NOT NULL,
    peer        TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    PRIMARY KEY (ref_id, peer)
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
