package compensation

import "github.com/djlord-it/cron-catchup/internal/domain"

// OwnedTrigger is a cron trigger together with the pipeline it was read from.
// Trigger ids are only unique within a pipeline.
type OwnedTrigger struct {
	Pipeline domain.Pipeline
	Trigger  domain.Trigger
}

// SelectCronTriggers returns the enabled cron triggers of enabled pipelines,
// in input order.
func SelectCronTriggers(pipelines []domain.Pipeline) []OwnedTrigger {
	var selected []OwnedTrigger
	for _, p := range pipelines {
		if p.Disabled {
			continue
		}
		for _, t := range p.Triggers {
			if t.Enabled && t.Type.IsCron() {
				selected = append(selected, OwnedTrigger{Pipeline: p, Trigger: t})
			}
		}
	}
	return selected
}

// ConfigIDsToQuery returns the ids of enabled pipelines that own at least one
// of selected, in input order and without repeats.
func ConfigIDsToQuery(pipelines []domain.Pipeline, selected []OwnedTrigger) []string {
	owners := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		owners[s.Pipeline.ID] = struct{}{}
	}

	var ids []string
	for _, p := range pipelines {
		if p.Disabled {
			continue
		}
		if _, ok := owners[p.ID]; ok {
			ids = append(ids, p.ID)
			delete(owners, p.ID)
		}
	}
	return ids
}
