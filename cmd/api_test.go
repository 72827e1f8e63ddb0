package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenuelab/taxrules-cli/internal/config"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Aggregation: config.AggregationConfig{
			NumericTolerance:  0.0001,
			AbsoluteTolerance: 0.01,
			RequiredAspects:   []string{"brackets"},
			MaxParallelKeys:   2,
		},
		Calculation: config.CalculationConfig{
			OverflowCeiling: 1e15,
			TimeoutSecs:     5,
			MaxRetries:      2,
			RateLimitPerSec: 100,
		},
	}
}

func newTestAPI(t *testing.T) (*apiServer, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return newAPIServer(s, testConfig()), s
}

func doRequest(t *testing.T, api *apiServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.router([]string{"*"}).ServeHTTP(rec, req)
	return rec
}

func fptr(v float64) *float64 { return &v }

func seedBracketEvidence(t *testing.T, s store.Store) {
	t.Helper()
	_, err := s.CreateEvidenceRule(context.Background(), model.EvidenceRule{
		RuleType: model.RuleTypePAYE,
		Category: model.CategoryBracket,
		Data: model.RuleData{Bracket: &model.BracketData{Brackets: []model.TaxBracket{
			{MinIncome: 0, MaxIncome: fptr(500000), Rate: 0, BracketOrder: 1},
			{MinIncome: 500001, MaxIncome: fptr(750000), Rate: 0.06, BracketOrder: 2},
			{MinIncome: 750001, MaxIncome: fptr(1500000), Rate: 0.12, FixedAmount: 15000, BracketOrder: 3},
			{MinIncome: 1500001, MaxIncome: nil, Rate: 0.18, FixedAmount: 105000, BracketOrder: 4},
		}}},
		DocumentID:       "doc-1",
		ChunkID:          "chunk-1",
		ChunkConfidence:  0.95,
		SourceAuthority:  model.AuthorityAct,
		EffectiveDate:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidationStatus: model.ValidationPending,
	})
	require.NoError(t, err)
}

func TestAPI_Health(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPI_AggregateAndCalculate(t *testing.T) {
	api, s := newTestAPI(t)
	seedBracketEvidence(t, s)

	rec := doRequest(t, api, http.MethodPost, "/aggregate", map[string]string{
		"tax_type":    "paye",
		"target_date": "2025-04-01",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var aggResp struct {
		RunID        string `json:"run_id"`
		Status       string `json:"status"`
		NewConflicts int    `json:"new_conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &aggResp))
	assert.Equal(t, "completed", aggResp.Status)
	assert.Zero(t, aggResp.NewConflicts)

	rec = doRequest(t, api, http.MethodGet, "/aggregate/runs/"+aggResp.RunID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, api, http.MethodPost, "/calculate", map[string]any{
		"calculation_type": "paye",
		"target_date":      "2025-04-01",
		"input_data":       map[string]any{"taxable_income": 1000000},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var calcResp struct {
		Result    float64 `json:"result"`
		Breakdown []struct {
			Label  string  `json:"label"`
			Amount float64 `json:"amount"`
		} `json:"breakdown"`
		ValidationStatus string `json:"validation_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calcResp))
	assert.InDelta(t, 45000.0, calcResp.Result, 0.001)
	assert.Equal(t, "pending", calcResp.ValidationStatus)
	assert.Len(t, calcResp.Breakdown, 3)
}

func TestAPI_AggregateConflictOnActiveRun(t *testing.T) {
	api, s := newTestAPI(t)
	seedBracketEvidence(t, s)

	target := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.BeginRun(context.Background(), model.RuleTypePAYE, target)
	require.NoError(t, err)

	rec := doRequest(t, api, http.MethodPost, "/aggregate", map[string]string{
		"tax_type":    "paye",
		"target_date": "2025-04-01",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_AggregateBadRequest(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/aggregate", map[string]string{
		"tax_type": "stamp_duty",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, api, http.MethodPost, "/aggregate", map[string]string{
		"tax_type":    "paye",
		"target_date": "01/04/2025",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetRunNotFound(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/aggregate/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CalculateStructuredError(t *testing.T) {
	api, s := newTestAPI(t)
	seedBracketEvidence(t, s)

	rec := doRequest(t, api, http.MethodPost, "/aggregate", map[string]string{
		"tax_type":    "paye",
		"target_date": "2025-04-01",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, api, http.MethodPost, "/calculate", map[string]any{
		"calculation_type": "paye",
		"target_date":      "2025-04-01",
		"input_data":       map[string]any{},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var errResp struct {
		ErrorType  string `json:"error_type"`
		Message    string `json:"message"`
		FailedStep string `json:"failed_step"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "variable_missing", errResp.ErrorType)
	assert.Equal(t, "resolving_variables", errResp.FailedStep)
	assert.NotEmpty(t, errResp.Message)
}

func TestAPI_Preflight(t *testing.T) {
	api, s := newTestAPI(t)
	seedBracketEvidence(t, s)

	rec := doRequest(t, api, http.MethodGet, "/preflight?tax_type=paye&date=2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pf model.PreflightRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pf))
	assert.Equal(t, model.PreflightOK, pf.Status)
	assert.Equal(t, 1, pf.EvidenceCount)

	rec = doRequest(t, api, http.MethodGet, "/preflight?tax_type=vat&date=2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pf))
	assert.Equal(t, model.PreflightBlocked, pf.Status)
}

func TestAPI_ConflictListAndResolve(t *testing.T) {
	api, s := newTestAPI(t)

	target := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	conflict, err := s.CreateConflict(context.Background(), model.RuleConflict{
		RuleType:   model.RuleTypePAYE,
		TargetDate: target,
		Aspect:     model.AspectBrackets,
		Status:     model.ConflictOpen,
		Details:    model.ConflictDetails{Summary: "rate disagreement"},
	})
	require.NoError(t, err)

	rec := doRequest(t, api, http.MethodGet, "/conflicts?tax_type=paye&status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Conflicts []model.RuleConflict `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Conflicts, 1)

	rec = doRequest(t, api, http.MethodPost, "/conflicts/"+conflict.ID+"/resolve", map[string]string{
		"status":      "resolved",
		"resolution":  "act value confirmed",
		"resolved_by": "reviewer",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, api, http.MethodPost, "/conflicts/"+conflict.ID+"/resolve", map[string]string{
		"status": "deleted",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, api, http.MethodPost, "/conflicts/missing/resolve", map[string]string{
		"status": "resolved",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SynonymLifecycle(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/synonyms/batch", map[string]any{
		"proposals": []map[string]any{
			{"term": "PAYE free allowance", "suggested_variable_key": "personal_relief", "confidence": 0.85},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, api, http.MethodGet, "/synonyms?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Synonyms []model.VariableSynonym `json:"synonyms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Synonyms, 1)
	synID := listResp.Synonyms[0].ID

	rec = doRequest(t, api, http.MethodPost, "/synonyms/"+synID+"/approve", map[string]string{
		"decided_by": "reviewer",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var syn model.VariableSynonym
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &syn))
	assert.Equal(t, model.SynonymApproved, syn.Status)
	assert.NotEmpty(t, syn.VariableID)

	// A decided synonym cannot be approved again.
	rec = doRequest(t, api, http.MethodPost, "/synonyms/"+synID+"/approve", map[string]string{
		"decided_by": "reviewer",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_ValidateEndpoint(t *testing.T) {
	api, s := newTestAPI(t)
	seedBracketEvidence(t, s)

	rec := doRequest(t, api, http.MethodPost, "/aggregate", map[string]string{
		"tax_type":    "paye",
		"target_date": "2025-04-01",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	target := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	rule, err := s.GetAggregatedRule(context.Background(), model.RuleTypePAYE, target)
	require.NoError(t, err)
	_, err = s.CreateTestCase(context.Background(), model.RuleTestCase{
		RuleID:         rule.ID,
		TestName:       "third bracket",
		Input:          map[string]any{"taxable_income": 1000000.0},
		ExpectedAmount: 45000,
	})
	require.NoError(t, err)

	rec = doRequest(t, api, http.MethodPost, "/validate", map[string]string{
		"tax_type":    "paye",
		"target_date": "2025-04-01",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report struct {
		Promoted  bool   `json:"promoted"`
		NewStatus string `json:"new_status"`
		TestCount int    `json:"test_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Promoted)
	assert.Equal(t, "validated", report.NewStatus)
	assert.Equal(t, 1, report.TestCount)
}

func TestAPI_CalculateRateLimited(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	c := testConfig()
	c.Calculation.RateLimitPerSec = 1
	api := newAPIServer(s, c)

	body := map[string]any{
		"calculation_type": "paye",
		"target_date":      "2025-04-01",
		"input_data":       map[string]any{"taxable_income": 100000},
	}
	first := doRequest(t, api, http.MethodPost, "/calculate", body)
	require.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := doRequest(t, api, http.MethodPost, "/calculate", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestAPI_Metrics(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "runs_total")
}
