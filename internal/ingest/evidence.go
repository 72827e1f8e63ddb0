package ingest

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// EvidenceRecord is one extracted rule as delivered by the extraction
// pipeline. Dates arrive as YYYY-MM-DD strings.
type EvidenceRecord struct {
	RuleType        model.RuleType        `json:"rule_type"`
	Category        model.RuleCategory    `json:"category"`
	Data            model.RuleData        `json:"rule_data"`
	DocumentID      string                `json:"document_id"`
	ChunkID         string                `json:"chunk_id"`
	ChunkConfidence float64               `json:"chunk_confidence"`
	SourceAuthority model.SourceAuthority `json:"source_authority"`
	EffectiveDate   string                `json:"effective_date"`
	ExpiryDate      string                `json:"expiry_date,omitempty"`
}

// EvidenceFile is a batch of evidence records.
type EvidenceFile struct {
	Rules []EvidenceRecord `json:"rules"`
}

// LoadEvidenceFile parses an evidence batch from disk.
func LoadEvidenceFile(path string) (*EvidenceFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read evidence file %s", path)
	}
	var f EvidenceFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse evidence file %s", path)
	}
	if len(f.Rules) == 0 {
		return nil, eris.Errorf("ingest: evidence file %s has no rules", path)
	}
	return &f, nil
}

// ImportEvidence persists an evidence batch. Each record is validated and
// converted; the batch fails atomically on the first invalid record so a
// partial import never mixes with a clean one.
func ImportEvidence(ctx context.Context, s store.Store, f *EvidenceFile) (int, error) {
	rules := make([]model.EvidenceRule, 0, len(f.Rules))
	for i, rec := range f.Rules {
		rule, err := rec.toModel()
		if err != nil {
			return 0, eris.Wrapf(err, "ingest: record %d", i)
		}
		rules = append(rules, rule)
	}

	for i, rule := range rules {
		if _, err := s.CreateEvidenceRule(ctx, rule); err != nil {
			return i, eris.Wrapf(err, "ingest: persist record %d", i)
		}
	}

	zap.L().Info("ingest: evidence imported", zap.Int("rules", len(rules)))
	return len(rules), nil
}

func (rec EvidenceRecord) toModel() (model.EvidenceRule, error) {
	var zero model.EvidenceRule

	if !rec.RuleType.Valid() {
		return zero, eris.Errorf("unknown rule type %q", rec.RuleType)
	}
	if !rec.SourceAuthority.Valid() {
		return zero, eris.Errorf("unknown source authority %q", rec.SourceAuthority)
	}
	if rec.ChunkConfidence < 0 || rec.ChunkConfidence > 1 {
		return zero, eris.Errorf("chunk confidence %g outside [0,1]", rec.ChunkConfidence)
	}

	effective, err := time.Parse(store.DateLayout, rec.EffectiveDate)
	if err != nil {
		return zero, eris.Wrapf(err, "effective date %q", rec.EffectiveDate)
	}

	rule := model.EvidenceRule{
		RuleType:         rec.RuleType,
		Category:         rec.Category,
		Data:             rec.Data,
		DocumentID:       rec.DocumentID,
		ChunkID:          rec.ChunkID,
		ChunkConfidence:  rec.ChunkConfidence,
		SourceAuthority:  rec.SourceAuthority,
		EffectiveDate:    effective,
		ValidationStatus: model.ValidationPending,
	}
	if rec.ExpiryDate != "" {
		expiry, err := time.Parse(store.DateLayout, rec.ExpiryDate)
		if err != nil {
			return zero, eris.Wrapf(err, "expiry date %q", rec.ExpiryDate)
		}
		if !expiry.After(effective) {
			return zero, eris.Errorf("expiry date %s not after effective date %s", rec.ExpiryDate, rec.EffectiveDate)
		}
		rule.ExpiryDate = &expiry
	}
	return rule, nil
}
