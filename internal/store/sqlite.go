package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// The pragmas below are per-connection, and a ":memory:" DSN gives every
	// pooled connection its own empty database; pin the pool to one connection
	// so both apply to all statements.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_variables (
	id                TEXT PRIMARY KEY,
	key               TEXT NOT NULL UNIQUE,
	label             TEXT NOT NULL,
	data_type         TEXT NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1,
	active            INTEGER NOT NULL DEFAULT 1,
	deprecated_reason TEXT NOT NULL DEFAULT '',
	deprecated_at     DATETIME,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS variable_synonyms (
	id              TEXT PRIMARY KEY,
	raw_term        TEXT NOT NULL,
	normalized_term TEXT NOT NULL UNIQUE,
	variable_id     TEXT REFERENCES canonical_variables(id),
	suggested_key   TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	proposal_count  INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'pending',
	decided_by      TEXT NOT NULL DEFAULT '',
	decided_at      DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS evidence_rules (
	id                TEXT PRIMARY KEY,
	rule_type         TEXT NOT NULL,
	category          TEXT NOT NULL,
	rule_data         TEXT NOT NULL,
	document_id       TEXT NOT NULL DEFAULT '',
	chunk_id          TEXT NOT NULL DEFAULT '',
	chunk_confidence  REAL NOT NULL DEFAULT 0,
	source_authority  TEXT NOT NULL,
	effective_date    TEXT NOT NULL,
	expiry_date       TEXT,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS aggregated_rules (
	id                TEXT PRIMARY KEY,
	rule_type         TEXT NOT NULL,
	target_date       TEXT NOT NULL,
	rule_data         TEXT NOT NULL,
	schema_version    INTEGER NOT NULL DEFAULT 1,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(rule_type, target_date)
);

CREATE TABLE IF NOT EXISTS tax_brackets (
	id            TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL REFERENCES aggregated_rules(id) ON DELETE CASCADE,
	min_income    REAL NOT NULL,
	max_income    REAL,
	rate          REAL NOT NULL,
	fixed_amount  REAL NOT NULL DEFAULT 0,
	bracket_order INTEGER NOT NULL,
	UNIQUE(rule_id, bracket_order)
);

CREATE TABLE IF NOT EXISTS rule_formulas (
	id                TEXT PRIMARY KEY,
	rule_id           TEXT NOT NULL REFERENCES aggregated_rules(id) ON DELETE CASCADE,
	expression        TEXT NOT NULL,
	output_variable   TEXT NOT NULL,
	calculation_order INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS aggregated_rule_sources (
	id               TEXT PRIMARY KEY,
	rule_id          TEXT NOT NULL REFERENCES aggregated_rules(id) ON DELETE CASCADE,
	evidence_rule_id TEXT NOT NULL REFERENCES evidence_rules(id),
	aspect           TEXT NOT NULL,
	weight           REAL NOT NULL,
	reason           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rule_conflicts (
	id          TEXT PRIMARY KEY,
	tax_type    TEXT NOT NULL,
	target_date TEXT NOT NULL,
	aspect      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	details     TEXT NOT NULL,
	resolution  TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at DATETIME,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS aggregation_runs (
	id              TEXT PRIMARY KEY,
	tax_type        TEXT NOT NULL,
	target_date     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'queued',
	inputs_count    INTEGER NOT NULL DEFAULT 0,
	outputs_count   INTEGER NOT NULL DEFAULT 0,
	conflicts_count INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at     DATETIME
);

CREATE TABLE IF NOT EXISTS calculation_audits (
	id               TEXT PRIMARY KEY,
	execution_id     TEXT NOT NULL UNIQUE,
	calculation_type TEXT NOT NULL,
	rule_id          TEXT NOT NULL DEFAULT '',
	schema_version   INTEGER NOT NULL DEFAULT 1,
	input            TEXT NOT NULL,
	breakdown        TEXT NOT NULL,
	final_amount     REAL NOT NULL,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS calculation_errors (
	id               TEXT PRIMARY KEY,
	execution_id     TEXT NOT NULL,
	calculation_type TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	failed_step      TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	resolved         INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rule_test_cases (
	id              TEXT PRIMARY KEY,
	rule_id         TEXT NOT NULL,
	test_name       TEXT NOT NULL,
	input           TEXT NOT NULL,
	expected_amount REAL NOT NULL,
	expected_output TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(rule_id, test_name)
);

CREATE INDEX IF NOT EXISTS idx_evidence_rules_key ON evidence_rules(rule_type, effective_date);
CREATE INDEX IF NOT EXISTS idx_rule_conflicts_key ON rule_conflicts(tax_type, target_date, status);
CREATE INDEX IF NOT EXISTS idx_calc_errors_resolved ON calculation_errors(resolved);
CREATE INDEX IF NOT EXISTS idx_runs_key ON aggregation_runs(tax_type, target_date);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active
	ON aggregation_runs(tax_type, target_date)
	WHERE status IN ('queued', 'running');
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Canonical variables ---

func (s *SQLiteStore) CreateVariable(ctx context.Context, v model.CanonicalVariable) (*model.CanonicalVariable, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Version == 0 {
		v.Version = 1
	}
	v.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_variables (id, key, label, data_type, unit, category, version, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Key, v.Label, string(v.DataType), v.Unit, v.Category, v.Version, boolInt(v.Active), v.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert variable %s", v.Key)
	}
	return &v, nil
}

func (s *SQLiteStore) GetVariableByKey(ctx context.Context, key string) (*model.CanonicalVariable, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, label, data_type, unit, category, version, active, deprecated_reason, deprecated_at, created_at
		 FROM canonical_variables WHERE key = ?`, key)
	return scanVariable(row)
}

func (s *SQLiteStore) ListVariables(ctx context.Context, activeOnly bool) ([]model.CanonicalVariable, error) {
	query := `SELECT id, key, label, data_type, unit, category, version, active, deprecated_reason, deprecated_at, created_at
		 FROM canonical_variables`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list variables")
	}
	defer rows.Close()

	var vars []model.CanonicalVariable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		vars = append(vars, *v)
	}
	return vars, eris.Wrap(rows.Err(), "sqlite: list variables iterate")
}

func (s *SQLiteStore) DeactivateVariable(ctx context.Context, key, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canonical_variables SET active = 0, deprecated_reason = ?, deprecated_at = ? WHERE key = ?`,
		reason, time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate variable %s", key)
	}
	return checkRowsAffected(res, "variable", key)
}

// --- Synonyms ---

func (s *SQLiteStore) UpsertSynonym(ctx context.Context, rawTerm, normalized, suggestedKey string, confidence float64) (*model.VariableSynonym, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	// Repeat proposals for the same normalized term merge into the existing
	// record, keeping the highest confidence seen.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variable_synonyms (id, raw_term, normalized_term, suggested_key, confidence, proposal_count, status, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, 'pending', ?)
		 ON CONFLICT(normalized_term) DO UPDATE SET
			proposal_count = proposal_count + 1,
			confidence = MAX(confidence, excluded.confidence),
			suggested_key = CASE WHEN suggested_key = '' THEN excluded.suggested_key ELSE suggested_key END`,
		id, rawTerm, normalized, suggestedKey, confidence, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert synonym %s", normalized)
	}
	return s.GetSynonymByNormalized(ctx, normalized)
}

func (s *SQLiteStore) GetSynonym(ctx context.Context, id string) (*model.VariableSynonym, error) {
	row := s.db.QueryRowContext(ctx, selectSynonym+` WHERE id = ?`, id)
	return scanSynonym(row)
}

func (s *SQLiteStore) GetSynonymByNormalized(ctx context.Context, normalized string) (*model.VariableSynonym, error) {
	row := s.db.QueryRowContext(ctx, selectSynonym+` WHERE normalized_term = ?`, normalized)
	return scanSynonym(row)
}

const selectSynonym = `SELECT id, raw_term, normalized_term, COALESCE(variable_id, ''), suggested_key, confidence, proposal_count, status, decided_by, decided_at, created_at
	FROM variable_synonyms`

func (s *SQLiteStore) ListSynonyms(ctx context.Context, status model.SynonymStatus) ([]model.VariableSynonym, error) {
	query := selectSynonym
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list synonyms")
	}
	defer rows.Close()

	var syns []model.VariableSynonym
	for rows.Next() {
		sy, err := scanSynonym(rows)
		if err != nil {
			return nil, err
		}
		syns = append(syns, *sy)
	}
	return syns, eris.Wrap(rows.Err(), "sqlite: list synonyms iterate")
}

func (s *SQLiteStore) DecideSynonym(ctx context.Context, id string, status model.SynonymStatus, variableID, decidedBy string) error {
	var varID any
	if variableID != "" {
		varID = variableID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE variable_synonyms SET status = ?, variable_id = ?, decided_by = ?, decided_at = ? WHERE id = ?`,
		string(status), varID, decidedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: decide synonym %s", id)
	}
	return checkRowsAffected(res, "synonym", id)
}

// --- Evidence rules ---

func (s *SQLiteStore) CreateEvidenceRule(ctx context.Context, r model.EvidenceRule) (*model.EvidenceRule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ValidationStatus == "" {
		r.ValidationStatus = model.ValidationPending
	}
	r.CreatedAt = time.Now().UTC()

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal rule data")
	}

	var expiry any
	if r.ExpiryDate != nil {
		expiry = r.ExpiryDate.Format(DateLayout)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence_rules (id, rule_type, category, rule_data, document_id, chunk_id, chunk_confidence, source_authority, effective_date, expiry_date, validation_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.RuleType), string(r.Category), string(dataJSON), r.DocumentID, r.ChunkID,
		r.ChunkConfidence, string(r.SourceAuthority), r.EffectiveDate.Format(DateLayout), expiry,
		string(r.ValidationStatus), r.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert evidence rule")
	}
	return &r, nil
}

func (s *SQLiteStore) ListEvidenceRules(ctx context.Context, rt model.RuleType, targetDate time.Time) ([]model.EvidenceRule, error) {
	target := targetDate.Format(DateLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_type, category, rule_data, document_id, chunk_id, chunk_confidence, source_authority, effective_date, expiry_date, validation_status, created_at
		 FROM evidence_rules
		 WHERE rule_type = ? AND effective_date <= ? AND (expiry_date IS NULL OR expiry_date >= ?)
		 ORDER BY effective_date DESC, id`,
		string(rt), target, target,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence rules")
	}
	defer rows.Close()

	var out []model.EvidenceRule
	for rows.Next() {
		r, err := scanEvidenceRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evidence rules iterate")
}

// --- Aggregated rules ---

// SaveAggregatedRule upserts the rule row for its (rule_type, target_date)
// key and replaces all child rows (brackets, formulas, sources) in one
// transaction. Re-running aggregation therefore replaces content wholesale.
func (s *SQLiteStore) SaveAggregatedRule(ctx context.Context, r *model.AggregatedRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	target := r.TargetDate.Format(DateLayout)

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rule data")
	}

	// Reuse the existing rule id for the key if one exists so provenance
	// and test cases keep pointing at a stable rule.
	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM aggregated_rules WHERE rule_type = ? AND target_date = ?`,
		string(r.RuleType), target,
	).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO aggregated_rules (id, rule_type, target_date, rule_data, schema_version, validation_status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.RuleType), target, string(dataJSON), r.SchemaVersion, string(r.ValidationStatus), now, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert aggregated rule")
		}
	case err != nil:
		return eris.Wrap(err, "sqlite: find aggregated rule")
	default:
		r.ID = existingID
		_, err = tx.ExecContext(ctx,
			`UPDATE aggregated_rules SET rule_data = ?, schema_version = ?, validation_status = ?, updated_at = ? WHERE id = ?`,
			string(dataJSON), r.SchemaVersion, string(r.ValidationStatus), now, r.ID,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: update aggregated rule")
		}
	}
	r.UpdatedAt = now

	for _, table := range []string{"tax_brackets", "rule_formulas", "aggregated_rule_sources"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE rule_id = ?`, r.ID); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s", table)
		}
	}

	for i := range r.Brackets {
		b := &r.Brackets[i]
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		b.RuleID = r.ID
		var maxIncome any
		if b.MaxIncome != nil {
			maxIncome = *b.MaxIncome
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tax_brackets (id, rule_id, min_income, max_income, rate, fixed_amount, bracket_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, r.ID, b.MinIncome, maxIncome, b.Rate, b.FixedAmount, b.BracketOrder,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert bracket %d", b.BracketOrder)
		}
	}

	for i := range r.Formulas {
		f := &r.Formulas[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.RuleID = r.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rule_formulas (id, rule_id, expression, output_variable, calculation_order, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			f.ID, r.ID, f.Expression, f.OutputVariable, f.CalculationOrder, string(f.Status),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert formula %s", f.OutputVariable)
		}
	}

	for i := range r.Sources {
		src := &r.Sources[i]
		if src.ID == "" {
			src.ID = uuid.New().String()
		}
		src.RuleID = r.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO aggregated_rule_sources (id, rule_id, evidence_rule_id, aspect, weight, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			src.ID, r.ID, src.EvidenceRuleID, string(src.Aspect), src.Weight, src.Reason,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert rule source")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit aggregated rule")
}

// GetAggregatedRule returns the rule in effect on targetDate: the most
// recent rule whose target_date is on or before it. Rules stay effective
// until a later aggregation supersedes them.
func (s *SQLiteStore) GetAggregatedRule(ctx context.Context, rt model.RuleType, targetDate time.Time) (*model.AggregatedRule, error) {
	target := targetDate.Format(DateLayout)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rule_type, target_date, rule_data, schema_version, validation_status, created_at, updated_at
		 FROM aggregated_rules WHERE rule_type = ? AND target_date <= ?
		 ORDER BY target_date DESC LIMIT 1`,
		string(rt), target,
	)

	var r model.AggregatedRule
	var dataJSON, targetStr string
	err := row.Scan(&r.ID, &r.RuleType, &targetStr, &dataJSON, &r.SchemaVersion, &r.ValidationStatus, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get aggregated rule")
	}
	if r.TargetDate, err = time.Parse(DateLayout, targetStr); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse target date")
	}
	if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rule data")
	}

	if r.Brackets, err = s.listBrackets(ctx, r.ID); err != nil {
		return nil, err
	}
	if r.Formulas, err = s.listFormulas(ctx, r.ID); err != nil {
		return nil, err
	}
	if r.Sources, err = s.listSources(ctx, r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) listBrackets(ctx context.Context, ruleID string) ([]model.TaxBracket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, min_income, max_income, rate, fixed_amount, bracket_order
		 FROM tax_brackets WHERE rule_id = ? ORDER BY bracket_order`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list brackets")
	}
	defer rows.Close()

	var out []model.TaxBracket
	for rows.Next() {
		var b model.TaxBracket
		var maxIncome sql.NullFloat64
		if err := rows.Scan(&b.ID, &b.RuleID, &b.MinIncome, &maxIncome, &b.Rate, &b.FixedAmount, &b.BracketOrder); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bracket")
		}
		if maxIncome.Valid {
			v := maxIncome.Float64
			b.MaxIncome = &v
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list brackets iterate")
}

func (s *SQLiteStore) listFormulas(ctx context.Context, ruleID string) ([]model.RuleFormula, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, expression, output_variable, calculation_order, status
		 FROM rule_formulas WHERE rule_id = ? ORDER BY calculation_order`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list formulas")
	}
	defer rows.Close()

	var out []model.RuleFormula
	for rows.Next() {
		var f model.RuleFormula
		if err := rows.Scan(&f.ID, &f.RuleID, &f.Expression, &f.OutputVariable, &f.CalculationOrder, &f.Status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan formula")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list formulas iterate")
}

func (s *SQLiteStore) listSources(ctx context.Context, ruleID string) ([]model.AggregatedRuleSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, evidence_rule_id, aspect, weight, reason
		 FROM aggregated_rule_sources WHERE rule_id = ? ORDER BY aspect, weight DESC`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rule sources")
	}
	defer rows.Close()

	var out []model.AggregatedRuleSource
	for rows.Next() {
		var src model.AggregatedRuleSource
		if err := rows.Scan(&src.ID, &src.RuleID, &src.EvidenceRuleID, &src.Aspect, &src.Weight, &src.Reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rule source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rule sources iterate")
}

func (s *SQLiteStore) SetValidationStatus(ctx context.Context, ruleID string, status model.ValidationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE aggregated_rules SET validation_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), ruleID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set validation status %s", ruleID)
	}
	return checkRowsAffected(res, "aggregated rule", ruleID)
}

// --- Conflicts ---

func (s *SQLiteStore) CreateConflict(ctx context.Context, c model.RuleConflict) (*model.RuleConflict, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.ConflictOpen
	}
	c.CreatedAt = time.Now().UTC()

	detailsJSON, err := json.Marshal(c.Details)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal conflict details")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_conflicts (id, tax_type, target_date, aspect, status, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.RuleType), c.TargetDate.Format(DateLayout), string(c.Aspect), string(c.Status),
		string(detailsJSON), c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert conflict")
	}
	return &c, nil
}

const selectConflict = `SELECT id, tax_type, target_date, aspect, status, details, resolution, resolved_by, resolved_at, created_at
	FROM rule_conflicts`

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*model.RuleConflict, error) {
	row := s.db.QueryRowContext(ctx, selectConflict+` WHERE id = ?`, id)
	return scanConflict(row)
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.RuleConflict, error) {
	query := selectConflict + ` WHERE 1=1`
	var args []any

	if filter.RuleType != "" {
		query += ` AND tax_type = ?`
		args = append(args, string(filter.RuleType))
	}
	if filter.TargetDate != nil {
		query += ` AND target_date = ?`
		args = append(args, filter.TargetDate.Format(DateLayout))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var out []model.RuleConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string, status model.ConflictStatus, resolution, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rule_conflicts SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ? WHERE id = ?`,
		string(status), resolution, resolvedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve conflict %s", id)
	}
	return checkRowsAffected(res, "conflict", id)
}

// --- Aggregation runs ---

func (s *SQLiteStore) BeginRun(ctx context.Context, rt model.RuleType, targetDate time.Time) (*model.AggregationRun, error) {
	run := &model.AggregationRun{
		ID:         uuid.New().String(),
		RuleType:   rt,
		TargetDate: targetDate,
		Status:     model.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregation_runs (id, tax_type, target_date, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(rt), targetDate.Format(DateLayout), string(run.Status), run.StartedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrRunActive
		}
		return nil, eris.Wrap(err, "sqlite: begin run")
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, inputs, outputs, conflicts int, runErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE aggregation_runs SET status = ?, inputs_count = ?, outputs_count = ?, conflicts_count = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), inputs, outputs, conflicts, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const selectRun = `SELECT id, tax_type, target_date, status, inputs_count, outputs_count, conflicts_count, error, started_at, finished_at
	FROM aggregation_runs`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.AggregationRun, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AggregationRun, error) {
	query := selectRun + ` WHERE 1=1`
	var args []any

	if filter.RuleType != "" {
		query += ` AND tax_type = ?`
		args = append(args, string(filter.RuleType))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.AggregationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Calculation audit trail ---

// CreateAudit is idempotent per execution_id: a duplicate insert is a no-op.
func (s *SQLiteStore) CreateAudit(ctx context.Context, a model.CalculationAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	inputJSON, err := json.Marshal(a.Input)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit input")
	}
	breakdownJSON, err := json.Marshal(a.Breakdown)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal breakdown")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calculation_audits (id, execution_id, calculation_type, rule_id, schema_version, input, breakdown, final_amount, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO NOTHING`,
		a.ID, a.ExecutionID, string(a.RuleType), a.RuleID, a.SchemaVersion, string(inputJSON),
		string(breakdownJSON), a.FinalAmount, a.DurationMS, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert audit")
}

func (s *SQLiteStore) GetAuditByExecution(ctx context.Context, executionID string) (*model.CalculationAudit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, calculation_type, rule_id, schema_version, input, breakdown, final_amount, duration_ms, created_at
		 FROM calculation_audits WHERE execution_id = ?`, executionID)

	var a model.CalculationAudit
	var inputJSON, breakdownJSON string
	err := row.Scan(&a.ID, &a.ExecutionID, &a.RuleType, &a.RuleID, &a.SchemaVersion, &inputJSON, &breakdownJSON, &a.FinalAmount, &a.DurationMS, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get audit")
	}
	if err := json.Unmarshal([]byte(inputJSON), &a.Input); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal audit input")
	}
	if err := json.Unmarshal([]byte(breakdownJSON), &a.Breakdown); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
	}
	return &a, nil
}

func (s *SQLiteStore) CreateCalcError(ctx context.Context, e model.CalculationError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calculation_errors (id, execution_id, calculation_type, error_type, failed_step, message, retry_count, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ExecutionID, string(e.RuleType), string(e.ErrorType), e.FailedStep, e.Message,
		e.RetryCount, boolInt(e.Resolved), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert calc error")
}

func (s *SQLiteStore) ListCalcErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]model.CalculationError, error) {
	query := `SELECT id, execution_id, calculation_type, error_type, failed_step, message, retry_count, resolved, created_at
		FROM calculation_errors`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calc errors")
	}
	defer rows.Close()

	var out []model.CalculationError
	for rows.Next() {
		var e model.CalculationError
		var resolved int
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.RuleType, &e.ErrorType, &e.FailedStep, &e.Message, &e.RetryCount, &resolved, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calc error")
		}
		e.Resolved = resolved != 0
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list calc errors iterate")
}

func (s *SQLiteStore) ResolveCalcError(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calculation_errors SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve calc error %s", id)
	}
	return checkRowsAffected(res, "calc error", id)
}

// --- Test cases ---

func (s *SQLiteStore) CreateTestCase(ctx context.Context, tc model.RuleTestCase) (*model.RuleTestCase, error) {
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	tc.CreatedAt = time.Now().UTC()

	inputJSON, err := json.Marshal(tc.Input)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal test input")
	}
	var expectedJSON any
	if tc.ExpectedOutput != nil {
		b, err := json.Marshal(tc.ExpectedOutput)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal expected output")
		}
		expectedJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_test_cases (id, rule_id, test_name, input, expected_amount, expected_output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rule_id, test_name) DO UPDATE SET
			input = excluded.input,
			expected_amount = excluded.expected_amount,
			expected_output = excluded.expected_output`,
		tc.ID, tc.RuleID, tc.TestName, string(inputJSON), tc.ExpectedAmount, expectedJSON, tc.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert test case %s", tc.TestName)
	}
	return &tc, nil
}

func (s *SQLiteStore) ListTestCases(ctx context.Context, ruleID string) ([]model.RuleTestCase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, test_name, input, expected_amount, expected_output, created_at
		 FROM rule_test_cases WHERE rule_id = ? ORDER BY test_name`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list test cases")
	}
	defer rows.Close()

	var out []model.RuleTestCase
	for rows.Next() {
		var tc model.RuleTestCase
		var inputJSON string
		var expectedJSON sql.NullString
		if err := rows.Scan(&tc.ID, &tc.RuleID, &tc.TestName, &inputJSON, &tc.ExpectedAmount, &expectedJSON, &tc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan test case")
		}
		if err := json.Unmarshal([]byte(inputJSON), &tc.Input); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal test input")
		}
		if expectedJSON.Valid {
			if err := json.Unmarshal([]byte(expectedJSON.String), &tc.ExpectedOutput); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal expected output")
			}
		}
		out = append(out, tc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list test cases iterate")
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVariable(row scannable) (*model.CanonicalVariable, error) {
	var v model.CanonicalVariable
	var active int
	var deprecatedAt sql.NullTime
	err := row.Scan(&v.ID, &v.Key, &v.Label, &v.DataType, &v.Unit, &v.Category, &v.Version, &active, &v.DeprecatedReason, &deprecatedAt, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan variable")
	}
	v.Active = active != 0
	if deprecatedAt.Valid {
		t := deprecatedAt.Time
		v.DeprecatedAt = &t
	}
	return &v, nil
}

func scanSynonym(row scannable) (*model.VariableSynonym, error) {
	var sy model.VariableSynonym
	var decidedAt sql.NullTime
	err := row.Scan(&sy.ID, &sy.RawTerm, &sy.NormalizedTerm, &sy.VariableID, &sy.SuggestedKey, &sy.Confidence, &sy.ProposalCount, &sy.Status, &sy.DecidedBy, &decidedAt, &sy.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan synonym")
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sy.DecidedAt = &t
	}
	return &sy, nil
}

func scanEvidenceRule(row scannable) (*model.EvidenceRule, error) {
	var r model.EvidenceRule
	var dataJSON, effectiveStr string
	var expiryStr sql.NullString
	err := row.Scan(&r.ID, &r.RuleType, &r.Category, &dataJSON, &r.DocumentID, &r.ChunkID, &r.ChunkConfidence, &r.SourceAuthority, &effectiveStr, &expiryStr, &r.ValidationStatus, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan evidence rule")
	}
	if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rule data")
	}
	if r.EffectiveDate, err = time.Parse(DateLayout, effectiveStr); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse effective date")
	}
	if expiryStr.Valid {
		t, err := time.Parse(DateLayout, expiryStr.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse expiry date")
		}
		r.ExpiryDate = &t
	}
	return &r, nil
}

func scanConflict(row scannable) (*model.RuleConflict, error) {
	var c model.RuleConflict
	var detailsJSON, targetStr string
	var resolvedAt sql.NullTime
	err := row.Scan(&c.ID, &c.RuleType, &targetStr, &c.Aspect, &c.Status, &detailsJSON, &c.Resolution, &c.ResolvedBy, &resolvedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan conflict")
	}
	if c.TargetDate, err = time.Parse(DateLayout, targetStr); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse target date")
	}
	if err := json.Unmarshal([]byte(detailsJSON), &c.Details); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal conflict details")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func scanRun(row scannable) (*model.AggregationRun, error) {
	var r model.AggregationRun
	var targetStr string
	var finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RuleType, &targetStr, &r.Status, &r.InputsCount, &r.OutputsCount, &r.ConflictsCount, &r.Error, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if r.TargetDate, err = time.Parse(DateLayout, targetStr); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse target date")
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
