package engine

import (
	"errors"

	"phaseline/internal/config"
)

// phaseGraph is the static prerequisite graph declared in config.
type phaseGraph struct {
	order      []string
	titles     map[string]string
	requires   map[string][]string
	dependents map[string][]string
}

func newPhaseGraph(cfg *config.Config) (phaseGraph, error) {
	if cfg == nil {
		return phaseGraph{}, errors.New("config not loaded")
	}
	order, err := cfg.PhaseOrder()
	if err != nil {
		return phaseGraph{}, err
	}
	g := phaseGraph{
		order:      order,
		titles:     make(map[string]string, len(cfg.Phases)),
		requires:   make(map[string][]string, len(cfg.Phases)),
		dependents: make(map[string][]string, len(cfg.Phases)),
	}
	for _, p := range cfg.Phases {
		g.titles[p.Name] = p.Title
		g.requires[p.Name] = append([]string(nil), p.Requires...)
		for _, req := range p.Requires {
			g.dependents[req] = append(g.dependents[req], p.Name)
		}
	}
	return g, nil
}

func (g phaseGraph) has(phase string) bool {
	_, ok := g.requires[phase]
	return ok
}

// eligible returns the dependents of phase whose prerequisites are all in
// complete, in graph order. Phases already started are left out.
func (g phaseGraph) eligible(phase string, complete, started map[string]bool) []string {
	direct := make(map[string]bool)
	for _, d := range g.dependents[phase] {
		direct[d] = true
	}
	var out []string
	for _, name := range g.order {
		if !direct[name] || started[name] {
			continue
		}
		ready := true
		for _, req := range g.requires[name] {
			if !complete[req] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, name)
		}
	}
	return out
}
