package plugin

import (
	"sort"

	"github.com/rs/zerolog"
)

// Chain is a priority-ordered set of plugin instances, ready to execute a
// single phase against a RequestContext. Non-filter phases stop the chain
// on the first short-circuit; filter phases always run every handler to
// completion regardless of what happened earlier in the request.
type Chain struct {
	instances []Instance
	log       zerolog.Logger
}

// NewChain builds a Chain from instances, sorted by descending priority,
// with ties broken by plugin name for determinism.
func NewChain(instances []Instance, log zerolog.Logger) *Chain {
	sorted := make([]Instance, len(instances))
	copy(sorted, instances)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Plugin.Priority(), sorted[j].Plugin.Priority()
		if pi != pj {
			return pi > pj
		}
		return sorted[i].Plugin.Name() < sorted[j].Plugin.Name()
	})
	return &Chain{instances: sorted, log: log}
}

// Run executes every instance's handler for phase against rc, in chain
// order, honoring the short-circuit rules described above.
func (c *Chain) Run(phase Phase, rc *RequestContext) {
	filterPhase := IsFilterPhase(phase)

	for _, inst := range c.instances {
		if !filterPhase && rc.Aborted() {
			c.log.Debug().Str("phase", string(phase)).Str("plugin", inst.Plugin.Name()).
				Msg("skipping handler, chain already short-circuited")
			return
		}

		handler := inst.Plugin.Handler(phase)
		if handler == nil {
			continue
		}

		result := handler(inst.Config, rc)
		if !filterPhase && result.ShortCircuits() {
			rc.Abort(result.StatusCode, result.Body)
			c.log.Info().Str("phase", string(phase)).Str("plugin", inst.Plugin.Name()).
				Int("status", result.StatusCode).Msg("plugin short-circuited request")
			return
		}
	}
}

// Len reports how many instances are in the chain.
func (c *Chain) Len() int { return len(c.instances) }
