package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// PgxPool abstracts *pgxpool.Pool so the Postgres store can be unit tested
// against pgxmock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool PgxPool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS canonical_variables (
	id                TEXT PRIMARY KEY,
	key               TEXT NOT NULL UNIQUE,
	label             TEXT NOT NULL,
	data_type         TEXT NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1,
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	deprecated_reason TEXT NOT NULL DEFAULT '',
	deprecated_at     TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS variable_synonyms (
	id              TEXT PRIMARY KEY,
	raw_term        TEXT NOT NULL,
	normalized_term TEXT NOT NULL UNIQUE,
	variable_id     TEXT REFERENCES canonical_variables(id),
	suggested_key   TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	proposal_count  INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'pending',
	decided_by      TEXT NOT NULL DEFAULT '',
	decided_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence_rules (
	id                TEXT PRIMARY KEY,
	rule_type         TEXT NOT NULL,
	category          TEXT NOT NULL,
	rule_data         JSONB NOT NULL,
	document_id       TEXT NOT NULL DEFAULT '',
	chunk_id          TEXT NOT NULL DEFAULT '',
	chunk_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_authority  TEXT NOT NULL,
	effective_date    TEXT NOT NULL,
	expiry_date       TEXT,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS aggregated_rules (
	id                TEXT PRIMARY KEY,
	rule_type         TEXT NOT NULL,
	target_date       TEXT NOT NULL,
	rule_data         JSONB NOT NULL,
	schema_version    INTEGER NOT NULL DEFAULT 1,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(rule_type, target_date)
);

CREATE TABLE IF NOT EXISTS tax_brackets (
	id            TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL REFERENCES aggregated_rules(id) ON DELETE CASCADE,
	min_income    DOUBLE PRECISION NOT NULL,
	max_income    DOUBLE PRECISION,
	rate          DOUBLE PRECISION NOT NULL,
	fixed_amount  DOUBLE PRECISION NOT NULL DEFAULT 0,
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
	weight           DOUBLE PRECISION NOT NULL,
	reason           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rule_conflicts (
	id          TEXT PRIMARY KEY,
	tax_type    TEXT NOT NULL,
	target_date TEXT NOT NULL,
	aspect      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	details     JSONB NOT NULL,
	resolution  TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS calculation_audits (
	id               TEXT PRIMARY KEY,
	execution_id     TEXT NOT NULL UNIQUE,
	calculation_type TEXT NOT NULL,
	rule_id          TEXT NOT NULL DEFAULT '',
	schema_version   INTEGER NOT NULL DEFAULT 1,
	input            JSONB NOT NULL,
	breakdown        JSONB NOT NULL,
	final_amount     DOUBLE PRECISION NOT NULL,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS calculation_errors (
	id               TEXT PRIMARY KEY,
	execution_id     TEXT NOT NULL,
	calculation_type TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	failed_step      TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	resolved         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rule_test_cases (
	id              TEXT PRIMARY KEY,
	rule_id         TEXT NOT NULL,
	test_name       TEXT NOT NULL,
	input           JSONB NOT NULL,
	expected_amount DOUBLE PRECISION NOT NULL,
	expected_output JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Canonical variables ---

func (s *PostgresStore) CreateVariable(ctx context.Context, v model.CanonicalVariable) (*model.CanonicalVariable, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Version == 0 {
		v.Version = 1
	}
	v.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO canonical_variables (id, key, label, data_type, unit, category, version, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.Key, v.Label, string(v.DataType), v.Unit, v.Category, v.Version, v.Active, v.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert variable %s", v.Key)
	}
	return &v, nil
}

func (s *PostgresStore) GetVariableByKey(ctx context.Context, key string) (*model.CanonicalVariable, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, key, label, data_type, unit, category, version, active, deprecated_reason, deprecated_at, created_at
		 FROM canonical_variables WHERE key = $1`, key)
	return scanVariablePg(row)
}

func (s *PostgresStore) ListVariables(ctx context.Context, activeOnly bool) ([]model.CanonicalVariable, error) {
	query := `SELECT id, key, label, data_type, unit, category, version, active, deprecated_reason, deprecated_at, created_at
		 FROM canonical_variables`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY key`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list variables")
	}
	defer rows.Close()

	var vars []model.CanonicalVariable
	for rows.Next() {
		v, err := scanVariablePg(rows)
		if err != nil {
			return nil, err
		}
		vars = append(vars, *v)
	}
	return vars, eris.Wrap(rows.Err(), "postgres: list variables iterate")
}

func (s *PostgresStore) DeactivateVariable(ctx context.Context, key, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE canonical_variables SET active = FALSE, deprecated_reason = $1, deprecated_at = $2 WHERE key = $3`,
		reason, time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate variable %s", key)
	}
	return checkTagAffected(tag, "variable", key)
}

// --- Synonyms ---

func (s *PostgresStore) UpsertSynonym(ctx context.Context, rawTerm, normalized, suggestedKey string, confidence float64) (*model.VariableSynonym, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO variable_synonyms (id, raw_term, normalized_term, suggested_key, confidence, proposal_count, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, 1, 'pending', $6)
		 ON CONFLICT (normalized_term) DO UPDATE SET
			proposal_count = variable_synonyms.proposal_count + 1,
			confidence = GREATEST(variable_synonyms.confidence, EXCLUDED.confidence),
			suggested_key = CASE WHEN variable_synonyms.suggested_key = '' THEN EXCLUDED.suggested_key ELSE variable_synonyms.suggested_key END`,
		id, rawTerm, normalized, suggestedKey, confidence, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert synonym %s", normalized)
	}
	return s.GetSynonymByNormalized(ctx, normalized)
}

const selectSynonymPg = `SELECT id, raw_term, normalized_term, COALESCE(variable_id, ''), suggested_key, confidence, proposal_count, status, decided_by, decided_at, created_at
	FROM variable_synonyms`

func (s *PostgresStore) GetSynonym(ctx context.Context, id string) (*model.VariableSynonym, error) {
	return scanSynonymPg(s.pool.QueryRow(ctx, selectSynonymPg+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetSynonymByNormalized(ctx context.Context, normalized string) (*model.VariableSynonym, error) {
	return scanSynonymPg(s.pool.QueryRow(ctx, selectSynonymPg+` WHERE normalized_term = $1`, normalized))
}

func (s *PostgresStore) ListSynonyms(ctx context.Context, status model.SynonymStatus) ([]model.VariableSynonym, error) {
	query := selectSynonymPg
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list synonyms")
	}
	defer rows.Close()

	var syns []model.VariableSynonym
	for rows.Next() {
		sy, err := scanSynonymPg(rows)
		if err != nil {
			return nil, err
		}
		syns = append(syns, *sy)
	}
	return syns, eris.Wrap(rows.Err(), "postgres: list synonyms iterate")
}

func (s *PostgresStore) DecideSynonym(ctx context.Context, id string, status model.SynonymStatus, variableID, decidedBy string) error {
	var varID any
	if variableID != "" {
		varID = variableID
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE variable_synonyms SET status = $1, variable_id = $2, decided_by = $3, decided_at = $4 WHERE id = $5`,
		string(status), varID, decidedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: decide synonym %s", id)
	}
	return checkTagAffected(tag, "synonym", id)
}

// --- Evidence rules ---

func (s *PostgresStore) CreateEvidenceRule(ctx context.Context, r model.EvidenceRule) (*model.EvidenceRule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ValidationStatus == "" {
		r.ValidationStatus = model.ValidationPending
	}
	r.CreatedAt = time.Now().UTC()

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal rule data")
	}
	var expiry any
	if r.ExpiryDate != nil {
		expiry = r.ExpiryDate.Format(DateLayout)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence_rules (id, rule_type, category, rule_data, document_id, chunk_id, chunk_confidence, source_authority, effective_date, expiry_date, validation_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, string(r.RuleType), string(r.Category), string(dataJSON), r.DocumentID, r.ChunkID,
		r.ChunkConfidence, string(r.SourceAuthority), r.EffectiveDate.Format(DateLayout), expiry,
		string(r.ValidationStatus), r.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert evidence rule")
	}
	return &r, nil
}

func (s *PostgresStore) ListEvidenceRules(ctx context.Context, rt model.RuleType, targetDate time.Time) ([]model.EvidenceRule, error) {
	target := targetDate.Format(DateLayout)
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_type, category, rule_data, document_id, chunk_id, chunk_confidence, source_authority, effective_date, expiry_date, validation_status, created_at
		 FROM evidence_rules
		 WHERE rule_type = $1 AND effective_date <= $2 AND (expiry_date IS NULL OR expiry_date >= $3)
		 ORDER BY effective_date DESC, id`,
		string(rt), target, target,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence rules")
	}
	defer rows.Close()

	var out []model.EvidenceRule
	for rows.Next() {
		r, err := scanEvidenceRulePg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evidence rules iterate")
}

// --- Aggregated rules ---

func (s *PostgresStore) SaveAggregatedRule(ctx context.Context, r *model.AggregatedRule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	target := r.TargetDate.Format(DateLayout)

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rule data")
	}

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM aggregated_rules WHERE rule_type = $1 AND target_date = $2`,
		string(r.RuleType), target,
	).Scan(&existingID)
	switch {
	case isNoRows(err):
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.CreatedAt = now
		_, err = tx.Exec(ctx,
			`INSERT INTO aggregated_rules (id, rule_type, target_date, rule_data, schema_version, validation_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, string(r.RuleType), target, string(dataJSON), r.SchemaVersion, string(r.ValidationStatus), now, now,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert aggregated rule")
		}
	case err != nil:
		return eris.Wrap(err, "postgres: find aggregated rule")
	default:
		r.ID = existingID
		_, err = tx.Exec(ctx,
			`UPDATE aggregated_rules SET rule_data = $1, schema_version = $2, validation_status = $3, updated_at = $4 WHERE id = $5`,
			string(dataJSON), r.SchemaVersion, string(r.ValidationStatus), now, r.ID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: update aggregated rule")
		}
	}
	r.UpdatedAt = now

	for _, table := range []string{"tax_brackets", "rule_formulas", "aggregated_rule_sources"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE rule_id = $1`, r.ID); err != nil {
			return eris.Wrapf(err, "postgres: clear %s", table)
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
		_, err := tx.Exec(ctx,
			`INSERT INTO tax_brackets (id, rule_id, min_income, max_income, rate, fixed_amount, bracket_order)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, r.ID, b.MinIncome, maxIncome, b.Rate, b.FixedAmount, b.BracketOrder,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert bracket %d", b.BracketOrder)
		}
	}

	for i := range r.Formulas {
		f := &r.Formulas[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.RuleID = r.ID
		_, err := tx.Exec(ctx,
			`INSERT INTO rule_formulas (id, rule_id, expression, output_variable, calculation_order, status)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			f.ID, r.ID, f.Expression, f.OutputVariable, f.CalculationOrder, string(f.Status),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert formula %s", f.OutputVariable)
		}
	}

	for i := range r.Sources {
		src := &r.Sources[i]
		if src.ID == "" {
			src.ID = uuid.New().String()
		}
		src.RuleID = r.ID
		_, err := tx.Exec(ctx,
			`INSERT INTO aggregated_rule_sources (id, rule_id, evidence_rule_id, aspect, weight, reason)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			src.ID, r.ID, src.EvidenceRuleID, string(src.Aspect), src.Weight, src.Reason,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert rule source")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit aggregated rule")
}

// GetAggregatedRule returns the rule in effect on targetDate: the most
// recent rule whose target_date is on or before it.
func (s *PostgresStore) GetAggregatedRule(ctx context.Context, rt model.RuleType, targetDate time.Time) (*model.AggregatedRule, error) {
	target := targetDate.Format(DateLayout)
	row := s.pool.QueryRow(ctx,
		`SELECT id, rule_type, target_date, rule_data, schema_version, validation_status, created_at, updated_at
		 FROM aggregated_rules WHERE rule_type = $1 AND target_date <= $2
		 ORDER BY target_date DESC LIMIT 1`,
		string(rt), target,
	)

	var r model.AggregatedRule
	var dataJSON, targetStr string
	err := row.Scan(&r.ID, &r.RuleType, &targetStr, &dataJSON, &r.SchemaVersion, &r.ValidationStatus, &r.CreatedAt, &r.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get aggregated rule")
	}
	if r.TargetDate, err = time.Parse(DateLayout, targetStr); err != nil {
		return nil, eris.Wrap(err, "postgres: parse target date")
	}
	if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rule data")
	}

	if r.Brackets, err = s.listBracketsPg(ctx, r.ID); err != nil {
		return nil, err
	}
	if r.Formulas, err = s.listFormulasPg(ctx, r.ID); err != nil {
		return nil, err
	}
	if r.Sources, err = s.listSourcesPg(ctx, r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) listBracketsPg(ctx context.Context, ruleID string) ([]model.TaxBracket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, min_income, max_income, rate, fixed_amount, bracket_order
		 FROM tax_brackets WHERE rule_id = $1 ORDER BY bracket_order`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list brackets")
	}
	defer rows.Close()

	var out []model.TaxBracket
	for rows.Next() {
		var b model.TaxBracket
		var maxIncome sql.NullFloat64
		if err := rows.Scan(&b.ID, &b.RuleID, &b.MinIncome, &maxIncome, &b.Rate, &b.FixedAmount, &b.BracketOrder); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bracket")
		}
		if maxIncome.Valid {
			v := maxIncome.Float64
			b.MaxIncome = &v
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list brackets iterate")
}

func (s *PostgresStore) listFormulasPg(ctx context.Context, ruleID string) ([]model.RuleFormula, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, expression, output_variable, calculation_order, status
		 FROM rule_formulas WHERE rule_id = $1 ORDER BY calculation_order`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list formulas")
	}
	defer rows.Close()

	var out []model.RuleFormula
	for rows.Next() {
		var f model.RuleFormula
		if err := rows.Scan(&f.ID, &f.RuleID, &f.Expression, &f.OutputVariable, &f.CalculationOrder, &f.Status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan formula")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list formulas iterate")
}

func (s *PostgresStore) listSourcesPg(ctx context.Context, ruleID string) ([]model.AggregatedRuleSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, evidence_rule_id, aspect, weight, reason
		 FROM aggregated_rule_sources WHERE rule_id = $1 ORDER BY aspect, weight DESC`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rule sources")
	}
	defer rows.Close()

	var out []model.AggregatedRuleSource
	for rows.Next() {
		var src model.AggregatedRuleSource
		if err := rows.Scan(&src.ID, &src.RuleID, &src.EvidenceRuleID, &src.Aspect, &src.Weight, &src.Reason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rule source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rule sources iterate")
}

func (s *PostgresStore) SetValidationStatus(ctx context.Context, ruleID string, status model.ValidationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE aggregated_rules SET validation_status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), ruleID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set validation status %s", ruleID)
	}
	return checkTagAffected(tag, "aggregated rule", ruleID)
}

// --- Conflicts ---

func (s *PostgresStore) CreateConflict(ctx context.Context, c model.RuleConflict) (*model.RuleConflict, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.ConflictOpen
	}
	c.CreatedAt = time.Now().UTC()

	detailsJSON, err := json.Marshal(c.Details)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal conflict details")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rule_conflicts (id, tax_type, target_date, aspect, status, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, string(c.RuleType), c.TargetDate.Format(DateLayout), string(c.Aspect), string(c.Status),
		string(detailsJSON), c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert conflict")
	}
	return &c, nil
}

const selectConflictPg = `SELECT id, tax_type, target_date, aspect, status, details, resolution, resolved_by, resolved_at, created_at
	FROM rule_conflicts`

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (*model.RuleConflict, error) {
	return scanConflictPg(s.pool.QueryRow(ctx, selectConflictPg+` WHERE id = $1`, id))
}

func (s *PostgresStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.RuleConflict, error) {
	query := selectConflictPg + ` WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}

	if filter.RuleType != "" {
		query += ` AND tax_type = ` + arg(string(filter.RuleType))
	}
	if filter.TargetDate != nil {
		query += ` AND target_date = ` + arg(filter.TargetDate.Format(DateLayout))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.RuleConflict
	for rows.Next() {
		c, err := scanConflictPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, id string, status model.ConflictStatus, resolution, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rule_conflicts SET status = $1, resolution = $2, resolved_by = $3, resolved_at = $4 WHERE id = $5`,
		string(status), resolution, resolvedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve conflict %s", id)
	}
	return checkTagAffected(tag, "conflict", id)
}

// --- Aggregation runs ---

func (s *PostgresStore) BeginRun(ctx context.Context, rt model.RuleType, targetDate time.Time) (*model.AggregationRun, error) {
	run := &model.AggregationRun{
		ID:         uuid.New().String(),
		RuleType:   rt,
		TargetDate: targetDate,
		Status:     model.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO aggregation_runs (id, tax_type, target_date, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(rt), targetDate.Format(DateLayout), string(run.Status), run.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRunActive
		}
		return nil, eris.Wrap(err, "postgres: begin run")
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, inputs, outputs, conflicts int, runErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE aggregation_runs SET status = $1, inputs_count = $2, outputs_count = $3, conflicts_count = $4, error = $5, finished_at = $6 WHERE id = $7`,
		string(status), inputs, outputs, conflicts, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	return checkTagAffected(tag, "run", runID)
}

const selectRunPg = `SELECT id, tax_type, target_date, status, inputs_count, outputs_count, conflicts_count, error, started_at, finished_at
	FROM aggregation_runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.AggregationRun, error) {
	return scanRunPg(s.pool.QueryRow(ctx, selectRunPg+` WHERE id = $1`, runID))
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AggregationRun, error) {
	query := selectRunPg + ` WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}

	if filter.RuleType != "" {
		query += ` AND tax_type = ` + arg(string(filter.RuleType))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Since != nil {
		query += ` AND started_at >= ` + arg(filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.AggregationRun
	for rows.Next() {
		r, err := scanRunPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Calculation audit trail ---

func (s *PostgresStore) CreateAudit(ctx context.Context, a model.CalculationAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	inputJSON, err := json.Marshal(a.Input)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit input")
	}
	breakdownJSON, err := json.Marshal(a.Breakdown)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal breakdown")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO calculation_audits (id, execution_id, calculation_type, rule_id, schema_version, input, breakdown, final_amount, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (execution_id) DO NOTHING`,
		a.ID, a.ExecutionID, string(a.RuleType), a.RuleID, a.SchemaVersion, string(inputJSON),
		string(breakdownJSON), a.FinalAmount, a.DurationMS, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: insert audit")
}

func (s *PostgresStore) GetAuditByExecution(ctx context.Context, executionID string) (*model.CalculationAudit, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, execution_id, calculation_type, rule_id, schema_version, input, breakdown, final_amount, duration_ms, created_at
		 FROM calculation_audits WHERE execution_id = $1`, executionID)

	var a model.CalculationAudit
	var inputJSON, breakdownJSON string
	err := row.Scan(&a.ID, &a.ExecutionID, &a.RuleType, &a.RuleID, &a.SchemaVersion, &inputJSON, &breakdownJSON, &a.FinalAmount, &a.DurationMS, &a.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get audit")
	}
	if err := json.Unmarshal([]byte(inputJSON), &a.Input); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal audit input")
	}
	if err := json.Unmarshal([]byte(breakdownJSON), &a.Breakdown); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal breakdown")
	}
	return &a, nil
}

func (s *PostgresStore) CreateCalcError(ctx context.Context, e model.CalculationError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calculation_errors (id, execution_id, calculation_type, error_type, failed_step, message, retry_count, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ExecutionID, string(e.RuleType), string(e.ErrorType), e.FailedStep, e.Message,
		e.RetryCount, e.Resolved, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: insert calc error")
}

func (s *PostgresStore) ListCalcErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]model.CalculationError, error) {
	query := `SELECT id, execution_id, calculation_type, error_type, failed_step, message, retry_count, resolved, created_at
		FROM calculation_errors`
	if unresolvedOnly {
		query += ` WHERE NOT resolved`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calc errors")
	}
	defer rows.Close()

	var out []model.CalculationError
	for rows.Next() {
		var e model.CalculationError
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.RuleType, &e.ErrorType, &e.FailedStep, &e.Message, &e.RetryCount, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan calc error")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list calc errors iterate")
}

func (s *PostgresStore) ResolveCalcError(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calculation_errors SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve calc error %s", id)
	}
	return checkTagAffected(tag, "calc error", id)
}

// --- Test cases ---

func (s *PostgresStore) CreateTestCase(ctx context.Context, tc model.RuleTestCase) (*model.RuleTestCase, error) {
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	tc.CreatedAt = time.Now().UTC()

	inputJSON, err := json.Marshal(tc.Input)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal test input")
	}
	var expectedJSON any
	if tc.ExpectedOutput != nil {
		b, err := json.Marshal(tc.ExpectedOutput)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal expected output")
		}
		expectedJSON = string(b)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rule_test_cases (id, rule_id, test_name, input, expected_amount, expected_output, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (rule_id, test_name) DO UPDATE SET
			input = EXCLUDED.input,
			expected_amount = EXCLUDED.expected_amount,
			expected_output = EXCLUDED.expected_output`,
		tc.ID, tc.RuleID, tc.TestName, string(inputJSON), tc.ExpectedAmount, expectedJSON, tc.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert test case %s", tc.TestName)
	}
	return &tc, nil
}

func (s *PostgresStore) ListTestCases(ctx context.Context, ruleID string) ([]model.RuleTestCase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, test_name, input, expected_amount, expected_output, created_at
		 FROM rule_test_cases WHERE rule_id = $1 ORDER BY test_name`, ruleID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list test cases")
	}
	defer rows.Close()

	var out []model.RuleTestCase
	for rows.Next() {
		var tc model.RuleTestCase
		var inputJSON string
		var expectedJSON sql.NullString
		if err := rows.Scan(&tc.ID, &tc.RuleID, &tc.TestName, &inputJSON, &tc.ExpectedAmount, &expectedJSON, &tc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan test case")
		}
		if err := json.Unmarshal([]byte(inputJSON), &tc.Input); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal test input")
		}
		if expectedJSON.Valid {
			if err := json.Unmarshal([]byte(expectedJSON.String), &tc.ExpectedOutput); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal expected output")
			}
		}
		out = append(out, tc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list test cases iterate")
}

// --- helpers ---

func checkTagAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}


func scanVariablePg(row pgx.Row) (*model.CanonicalVariable, error) {
	var v model.CanonicalVariable
	var deprecatedAt sql.NullTime
	err := row.Scan(&v.ID, &v.Key, &v.Label, &v.DataType, &v.Unit, &v.Category, &v.Version, &v.Active, &v.DeprecatedReason, &deprecatedAt, &v.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan variable")
	}
	if deprecatedAt.Valid {
		t := deprecatedAt.Time
		v.DeprecatedAt = &t
	}
	return &v, nil
}

func scanSynonymPg(row pgx.Row) (*model.VariableSynonym, error) {
	var sy model.VariableSynonym
	var decidedAt sql.NullTime
	err := row.Scan(&sy.ID, &sy.RawTerm, &sy.NormalizedTerm, &sy.VariableID, &sy.SuggestedKey, &sy.Confidence, &sy.ProposalCount, &sy.Status, &sy.DecidedBy, &decidedAt, &sy.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan synonym")
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sy.DecidedAt = &t
	}
	return &sy, nil
}

func scanEvidenceRulePg(row pgx.Row) (*model.EvidenceRule, error) {
	var r model.EvidenceRule
	var dataJSON, effectiveStr string
	var expiryStr sql.NullString
	err := row.Scan(&r.ID, &r.RuleType, &r.Category, &dataJSON, &r.DocumentID, &r.ChunkID, &r.ChunkConfidence, &r.SourceAuthority, &effectiveStr, &expiryStr, &r.ValidationStatus, &r.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan evidence rule")
	}
	if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rule data")
	}
	if r.EffectiveDate, err = time.Parse(DateLayout, effectiveStr); err != nil {
		return nil, eris.Wrap(err, "postgres: parse effective date")
	}
	if expiryStr.Valid {
		t, err := time.Parse(DateLayout, expiryStr.String)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: parse expiry date")
		}
		r.ExpiryDate = &t
	}
	return &r, nil
}

func scanConflictPg(row pgx.Row) (*model.RuleConflict, error) {
	var c model.RuleConflict
	var detailsJSON, targetStr string
	var resolvedAt sql.NullTime
	err := row.Scan(&c.ID, &c.RuleType, &targetStr, &c.Aspect, &c.Status, &detailsJSON, &c.Resolution, &c.ResolvedBy, &resolvedAt, &c.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan conflict")
	}
	if c.TargetDate, err = time.Parse(DateLayout, targetStr); err != nil {
		return nil, eris.Wrap(err, "postgres: parse target date")
	}
	if err := json.Unmarshal([]byte(detailsJSON), &c.Details); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal conflict details")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func scanRunPg(row pgx.Row) (*model.AggregationRun, error) {
	var r model.AggregationRun
	var targetStr string
	var finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RuleType, &targetStr, &r.Status, &r.InputsCount, &r.OutputsCount, &r.ConflictsCount, &r.Error, &r.StartedAt, &finishedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if r.TargetDate, err = time.Parse(DateLayout, targetStr); err != nil {
		return nil, eris.Wrap(err, "postgres: parse target date")
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
