package cache

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/cron-catchup/internal/domain"
)

// FileSource reads pipeline definitions from a YAML document on every call.
//
//	pipelines:
//	  - id: 6f1c...
//	    application: billing
//	    name: nightly-invoices
//	    triggers:
//	      - id: cron-1
//	        type: cron
//	        enabled: true
//	        cronExpression: "0 0 2 * * ?"
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type pipelineFile struct {
	Pipelines []domain.Pipeline `yaml:"pipelines"`
}

func (s *FileSource) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParsePipelines(data)
}

// ParsePipelines decodes a pipeline YAML document. Every pipeline needs a
// unique id and every trigger an id, unique within its pipeline, and a type.
func ParsePipelines(data []byte) ([]domain.Pipeline, error) {
	var f pipelineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode pipeline file: %w", err)
	}

	pipelineIDs := make(map[string]struct{}, len(f.Pipelines))
	for i, p := range f.Pipelines {
		if p.ID == "" {
			return nil, fmt.Errorf("pipeline %d: missing id", i)
		}
		if _, dup := pipelineIDs[p.ID]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate pipeline id", p.ID)
		}
		pipelineIDs[p.ID] = struct{}{}

		triggerIDs := make(map[string]struct{}, len(p.Triggers))
		for j, t := range p.Triggers {
			if t.ID == "" {
				return nil, fmt.Errorf("pipeline %s: trigger %d: missing id", p.ID, j)
			}
			if _, dup := triggerIDs[t.ID]; dup {
				return nil, fmt.Errorf("pipeline %s: duplicate trigger id %s", p.ID, t.ID)
			}
			triggerIDs[t.ID] = struct{}{}
			if t.Type == "" {
				return nil, fmt.Errorf("pipeline %s: trigger %s: missing type", p.ID, t.ID)
			}
		}
	}
	return f.Pipelines, nil
}
