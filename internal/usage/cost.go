package usage

import (
	gateway "github.com/nmorel/bastion/internal"
)

// Cost prices a call from the router's per-million token rates.
func Cost(rt *gateway.Router, promptTokens, completionTokens int) float64 {
	c := float64(promptTokens)/1e6*rt.CostPrompt +
		float64(completionTokens)/1e6*rt.CostCompletion
	return gateway.Round6(c)
}
