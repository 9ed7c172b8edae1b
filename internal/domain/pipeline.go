package domain

// Pipeline is a read-only snapshot of a pipeline configuration.
type Pipeline struct {
	ID          string    `json:"id" yaml:"id"`
	Application string    `json:"application" yaml:"application"`
	Name        string    `json:"name" yaml:"name"`
	Disabled    bool      `json:"disabled" yaml:"disabled"`
	Triggers    []Trigger `json:"triggers" yaml:"triggers"`

	// Trigger is the trigger that caused an invocation. It is nil in cache
	// snapshots and set only on the copy handed to the trigger service.
	Trigger *Trigger `json:"trigger,omitempty" yaml:"-"`
}

// WithTrigger returns a copy of p carrying t as its invoking trigger.
func (p Pipeline) WithTrigger(t Trigger) Pipeline {
	p.Trigger = &t
	return p
}
