package pipeline

import (
	"github.com/spachava753/stagehand/internal/models"
)

// Validate checks the pipeline against the subcommand contract before any
// stage runs. Every stage must name a known subcommand and supply the flags
// its algorithm requires; stages must appear in canonical order; every input
// must be a source or the output of an earlier stage; and no stage may write
// over an artifact that already exists in the chain.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return models.Configf(p.Path, "pipeline has no stages")
	}

	available := make(map[string]string, len(p.Sources))
	for _, src := range p.Sources {
		available[src] = ""
	}
	names := make(map[string]struct{}, len(p.Stages))
	lastOrder := -1
	lastCommand := ""

	for _, s := range p.Stages {
		if s.Name == "" {
			return models.Configf(p.Path, "stage with empty name")
		}
		if _, dup := names[s.Name]; dup {
			return models.Configf(p.Path, "duplicate stage %q", s.Name)
		}
		names[s.Name] = struct{}{}

		sub, ok := Lookup(s.Command)
		if !ok {
			return models.Configf(p.Path, "stage %q: unknown subcommand %q", s.Name, s.Command)
		}
		if sub.Order < lastOrder {
			return models.Configf(p.Path, "stage %q: %s cannot run after %s", s.Name, s.Command, lastCommand)
		}
		lastOrder, lastCommand = sub.Order, s.Command

		if err := p.checkFlags(s, sub); err != nil {
			return err
		}

		for _, in := range s.InputPaths() {
			if _, ok := available[in]; !ok {
				return models.Configf(p.Path, "stage %q: input %s is neither a source nor produced by an earlier stage", s.Name, in)
			}
		}

		outs := s.Outputs()
		if len(outs) == 0 {
			return models.Configf(p.Path, "stage %q declares no output", s.Name)
		}
		for _, out := range outs {
			for _, in := range s.InputPaths() {
				if in == out {
					return models.Configf(p.Path, "stage %q: output %s overwrites its own input", s.Name, out)
				}
			}
			if producer, taken := available[out]; taken {
				if producer == "" {
					return models.Configf(p.Path, "stage %q: output %s overwrites a source", s.Name, out)
				}
				return models.Configf(p.Path, "stage %q: output %s is already produced by %q", s.Name, out, producer)
			}
		}
		// Register after the checks so a stage's outputs are not visible to its
		// own inputs.
		for _, out := range outs {
			available[out] = s.Name
		}
	}
	return nil
}

func (p *Pipeline) checkFlags(s Stage, sub Subcommand) error {
	if sub.Algorithms == nil {
		if len(s.Run) == 0 {
			return models.Configf(p.Path, "stage %q: %s needs an explicit run command", s.Name, s.Command)
		}
		if s.Algorithm != "" {
			return models.Configf(p.Path, "stage %q: %s takes no algorithm", s.Name, s.Command)
		}
		return nil
	}
	if len(s.Run) > 0 {
		return models.Configf(p.Path, "stage %q: run is only allowed for format stages", s.Name)
	}
	if s.Output == "" {
		return models.Configf(p.Path, "stage %q: %s needs an output", s.Name, s.Command)
	}
	for _, flag := range sub.Inputs {
		if _, ok := s.Inputs[flag]; !ok {
			return models.Configf(p.Path, "stage %q: %s requires --%s", s.Name, s.Command, flag)
		}
	}
	if s.Algorithm == "" {
		return models.Configf(p.Path, "stage %q: %s needs an algorithm", s.Name, s.Command)
	}
	required, ok := sub.Algorithms[s.Algorithm]
	if !ok {
		return models.Configf(p.Path, "stage %q: %s has no algorithm %q", s.Name, s.Command, s.Algorithm)
	}
	for _, flag := range required {
		if !s.hasFlag(flag) {
			return models.Configf(p.Path, "stage %q: %s %s requires --%s", s.Name, s.Command, s.Algorithm, flag)
		}
	}
	return nil
}

func (s Stage) hasFlag(flag string) bool {
	if _, ok := s.Inputs[flag]; ok {
		return true
	}
	if _, ok := s.AlgorithmInputs[flag]; ok {
		return true
	}
	for _, p := range s.Params {
		if p.Name == flag {
			return true
		}
	}
	return false
}
