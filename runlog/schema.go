package runlog

// Schema creates the run history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	scenario_id      TEXT NOT NULL,
	scenario_name    TEXT NOT NULL DEFAULT '',
	driver           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL CHECK (status IN ('pass','fail')),
	kind             TEXT NOT NULL DEFAULT '',
	cause            TEXT NOT NULL DEFAULT '',
	failed_step      INTEGER NOT NULL DEFAULT -1,
	failed_assertion INTEGER NOT NULL DEFAULT -1,
	steps_run        INTEGER NOT NULL DEFAULT 0,
	final_url        TEXT NOT NULL DEFAULT '',
	diagnostic       TEXT NOT NULL DEFAULT '',
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_scenario ON runs(scenario_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
