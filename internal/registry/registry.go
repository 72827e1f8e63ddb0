package registry

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// Registry resolves raw extracted terms to canonical variable keys and
// manages the synonym review queue. Canonical variables are append-only;
// retiring one deactivates it rather than deleting it.
type Registry struct {
	store store.Store
}

// New creates a Registry backed by the given store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Resolve maps a raw term to a canonical variable key. Resolution order:
// the normalized term matching a canonical key directly, then an approved
// synonym binding. An unknown term is recorded as a pending synonym and
// (key="", ok=false) is returned; repeated lookups of the same unknown term
// merge into one pending record.
func (r *Registry) Resolve(ctx context.Context, rawTerm string) (string, bool, error) {
	normalized := NormalizeTerm(rawTerm)
	if normalized == "" {
		return "", false, eris.Errorf("registry: term %q normalizes to empty", rawTerm)
	}

	if v, err := r.store.GetVariableByKey(ctx, normalized); err == nil {
		if v.Active {
			return v.Key, true, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	sy, err := r.store.GetSynonymByNormalized(ctx, normalized)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := r.store.UpsertSynonym(ctx, rawTerm, normalized, "", 0); err != nil {
			return "", false, err
		}
		zap.L().Debug("registry: recorded unknown term",
			zap.String("raw_term", rawTerm),
			zap.String("normalized", normalized),
		)
		return "", false, nil
	case err != nil:
		return "", false, err
	}

	if sy.Status == model.SynonymApproved && sy.VariableID != "" {
		v, err := r.variableByID(ctx, sy.VariableID)
		if err != nil {
			return "", false, err
		}
		if v != nil && v.Active {
			return v.Key, true, nil
		}
	}
	return "", false, nil
}

// variableByID scans the variable list for an id match.
func (r *Registry) variableByID(ctx context.Context, id string) (*model.CanonicalVariable, error) {
	vars, err := r.store.ListVariables(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range vars {
		if vars[i].ID == id {
			return &vars[i], nil
		}
	}
	return nil, nil
}

// ProposeSynonyms ingests a batch of extraction-pipeline proposals. Proposals
// whose normalized term already matches a canonical key are dropped; the rest
// merge into the pending queue. Returns the number of queued proposals.
func (r *Registry) ProposeSynonyms(ctx context.Context, proposals []model.SynonymProposal) (int, error) {
	queued := 0
	for _, p := range proposals {
		normalized := NormalizeTerm(p.Term)
		if normalized == "" {
			zap.L().Warn("registry: skipping empty proposal term", zap.String("term", p.Term))
			continue
		}

		if _, err := r.store.GetVariableByKey(ctx, normalized); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return queued, err
		}

		if _, err := r.store.UpsertSynonym(ctx, p.Term, normalized, p.SuggestedKey, p.Confidence); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// ApproveSynonym binds a pending synonym to a canonical variable. When
// variableKey names no existing variable, a new one is created from the
// synonym's suggested key (admin path for genuinely new concepts).
func (r *Registry) ApproveSynonym(ctx context.Context, synonymID, variableKey, decidedBy string) (*model.VariableSynonym, error) {
	sy, err := r.store.GetSynonym(ctx, synonymID)
	if err != nil {
		return nil, err
	}
	if sy.Status != model.SynonymPending {
		return nil, eris.Errorf("registry: synonym %s already %s", synonymID, sy.Status)
	}

	key := variableKey
	if key == "" {
		key = sy.SuggestedKey
	}
	if key == "" {
		key = sy.NormalizedTerm
	}

	v, err := r.store.GetVariableByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		v, err = r.store.CreateVariable(ctx, model.CanonicalVariable{
			Key:      key,
			Label:    sy.RawTerm,
			DataType: model.DataTypeNumber,
			Active:   true,
		})
		if err != nil {
			return nil, err
		}
		zap.L().Info("registry: created variable from synonym approval",
			zap.String("key", key),
			zap.String("synonym_id", synonymID),
		)
	} else if err != nil {
		return nil, err
	}

	if err := r.store.DecideSynonym(ctx, synonymID, model.SynonymApproved, v.ID, decidedBy); err != nil {
		return nil, err
	}
	return r.store.GetSynonym(ctx, synonymID)
}

// RejectSynonym marks a pending synonym as rejected.
func (r *Registry) RejectSynonym(ctx context.Context, synonymID, decidedBy string) (*model.VariableSynonym, error) {
	sy, err := r.store.GetSynonym(ctx, synonymID)
	if err != nil {
		return nil, err
	}
	if sy.Status != model.SynonymPending {
		return nil, eris.Errorf("registry: synonym %s already %s", synonymID, sy.Status)
	}
	if err := r.store.DecideSynonym(ctx, synonymID, model.SynonymRejected, "", decidedBy); err != nil {
		return nil, err
	}
	return r.store.GetSynonym(ctx, synonymID)
}

// CreateVariable registers a new canonical variable after validating its key.
func (r *Registry) CreateVariable(ctx context.Context, v model.CanonicalVariable) (*model.CanonicalVariable, error) {
	if v.Key == "" || v.Key != NormalizeTerm(v.Key) {
		return nil, eris.Errorf("registry: key %q is not in canonical form", v.Key)
	}
	if v.DataType == "" {
		v.DataType = model.DataTypeNumber
	}
	v.Active = true
	return r.store.CreateVariable(ctx, v)
}

// DeactivateVariable retires a canonical variable. Formulas referencing it
// fail variable resolution from then on; history is preserved.
func (r *Registry) DeactivateVariable(ctx context.Context, key, reason string) error {
	return r.store.DeactivateVariable(ctx, key, reason)
}
