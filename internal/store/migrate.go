package store

// migration is one forward-only schema step. Each backend has its own DDL.
type migration struct {
	version  int
	name     string
	sqlite   string
	postgres string
}

// CurrentSchemaVersion is the schema version this build migrates to.
const CurrentSchemaVersion = 2

var migrations = []migration{
	{
		version: 1,
		name:    "base tables",
		sqlite: `
CREATE TABLE IF NOT EXISTS prompt_versions (
	id            TEXT PRIMARY KEY,
	system_prompt TEXT NOT NULL,
	user_template TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	version_tag   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	model             TEXT NOT NULL,
	prompt_version_id TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	n_total           INTEGER NOT NULL DEFAULT 0,
	n_processed       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME
);

CREATE TABLE IF NOT EXISTS narrative_results (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id     TEXT NOT NULL REFERENCES experiments(id),
	case_id           TEXT NOT NULL,
	narrative_type    TEXT NOT NULL CHECK (narrative_type IN ('primary', 'secondary')),
	detected          INTEGER CHECK (detected IN (0, 1)),
	confidence        REAL CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
	rationale         TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	raw_response      TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	UNIQUE (experiment_id, case_id, narrative_type)
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS prompt_versions (
	id            TEXT PRIMARY KEY,
	system_prompt TEXT NOT NULL,
	user_template TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	version_tag   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS experiments (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	model             TEXT NOT NULL,
	prompt_version_id TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	n_total           INTEGER NOT NULL DEFAULT 0,
	n_processed       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS narrative_results (
	id                BIGSERIAL PRIMARY KEY,
	experiment_id     TEXT NOT NULL REFERENCES experiments(id),
	case_id           TEXT NOT NULL,
	narrative_type    TEXT NOT NULL CHECK (narrative_type IN ('primary', 'secondary')),
	detected          SMALLINT CHECK (detected IN (0, 1)),
	confidence        DOUBLE PRECISION CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
	rationale         TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	raw_response      TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (experiment_id, case_id, narrative_type)
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
`,
	},
	{
		version: 2,
		name:    "indicators and parse status",
		sqlite: `
ALTER TABLE narrative_results ADD COLUMN indicators TEXT NOT NULL DEFAULT '{}';
ALTER TABLE narrative_results ADD COLUMN parse_status TEXT NOT NULL DEFAULT 'ok';
CREATE INDEX IF NOT EXISTS idx_narrative_results_case ON narrative_results(experiment_id, case_id);
`,
		postgres: `
ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS indicators JSONB NOT NULL DEFAULT '{}'::jsonb;
ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS parse_status TEXT NOT NULL DEFAULT 'ok';
CREATE INDEX IF NOT EXISTS idx_narrative_results_case ON narrative_results(experiment_id, case_id);
`,
	},
}

// pending returns the migrations above version, in order.
func pending(version int) []migration {
	var out []migration
	for _, m := range migrations {
		if m.version > version {
			out = append(out, m)
		}
	}
	return out
}
