package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load walks rootDir for path documents (*.yaml, *.yml) and returns a
// repository holding all of them. Any invalid document fails the whole load:
// a broken prerequisite graph must never reach the completion path.
func Load(rootDir string) (*MemoryRepository, error) {
	repo := NewMemoryRepository()

	var errs []error
	err := filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		p, err := ParseDocument(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		if err := repo.PutPath(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("loading catalog: %w", errors.Join(errs...))
	}

	slog.Info("catalog loaded", "paths", len(repo.paths), "modules", len(repo.modules), "quizzes", len(repo.quizzes))
	return repo, nil
}

// ParseDocument decodes one path document, checks it against the schema and
// runs the semantic path validation.
func ParseDocument(data []byte) (Path, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Path{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := ValidateDocument(doc); err != nil {
		return Path{}, err
	}

	var p Path
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Path{}, fmt.Errorf("decode path: %w", err)
	}
	for i := range p.Modules {
		p.Modules[i].PathID = p.ID
	}
	if err := p.Validate(); err != nil {
		return Path{}, err
	}
	return p, nil
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
