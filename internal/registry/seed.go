package registry

import (
	"context"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// SeedFile is the on-disk format for canonical variable seeds.
type SeedFile struct {
	Variables []SeedVariable `yaml:"variables"`
}

// SeedVariable is one canonical variable definition in a seed file.
type SeedVariable struct {
	Key      string `yaml:"key"`
	Label    string `yaml:"label"`
	DataType string `yaml:"data_type"`
	Unit     string `yaml:"unit"`
	Category string `yaml:"category"`
}

// LoadSeedFile parses a YAML seed file of canonical variables.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read seed file")
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal seed file")
	}
	return &sf, nil
}

// Seed registers every variable in the seed file, skipping keys that already
// exist. Returns the number of variables created.
func (r *Registry) Seed(ctx context.Context, sf *SeedFile) (int, error) {
	created := 0
	for _, sv := range sf.Variables {
		if sv.Key == "" {
			return created, eris.New("registry: seed variable with empty key")
		}
		_, err := r.store.GetVariableByKey(ctx, sv.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}

		v := model.CanonicalVariable{
			Key:      sv.Key,
			Label:    sv.Label,
			DataType: model.VariableDataType(sv.DataType),
			Unit:     sv.Unit,
			Category: sv.Category,
		}
		if v.Label == "" {
			v.Label = sv.Key
		}
		if _, err := r.CreateVariable(ctx, v); err != nil {
			return created, err
		}
		created++
	}
	zap.L().Info("registry: seeded canonical variables", zap.Int("created", created))
	return created, nil
}
