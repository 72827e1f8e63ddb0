package ingest

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// ProposalFile is a batch of synonym proposals from the extraction pipeline.
type ProposalFile struct {
	Proposals []model.SynonymProposal `json:"proposals"`
}

// LoadProposalFile parses a synonym proposal batch from disk.
func LoadProposalFile(path string) (*ProposalFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read proposal file %s", path)
	}
	var f ProposalFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse proposal file %s", path)
	}
	if len(f.Proposals) == 0 {
		return nil, eris.Errorf("ingest: proposal file %s has no proposals", path)
	}
	for i, p := range f.Proposals {
		if p.Term == "" {
			return nil, eris.Errorf("ingest: proposal %d has an empty term", i)
		}
	}
	return &f, nil
}
