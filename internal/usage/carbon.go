package usage

import (
	"fmt"

	gateway "github.com/nmorel/bastion/internal"
)

// Energy model constants. Per-token GPU energy scales linearly with the
// parameter count (billions); the affine fit follows published
// LLM-inference energy measurements.
const (
	wattHoursPerTokenPerBParam = 8.91e-5
	wattHoursPerTokenBase      = 1.43e-3
	datacenterPUE              = 1.2
	hostIdlePowerKW            = 0.3 // non-GPU server draw amortized over the call
)

// worldZone is the fallback grid intensity when a provider declares no
// hosting country.
const worldZone = "WOR"

// carbonIntensity maps an ISO 3166-1 alpha-3 hosting zone to its grid
// carbon intensity in kgCO2eq per kWh.
var carbonIntensity = map[string]float64{
	"AUT": 0.111,
	"BEL": 0.138,
	"CAN": 0.128,
	"CHE": 0.046,
	"DEU": 0.344,
	"DNK": 0.151,
	"ESP": 0.174,
	"FIN": 0.079,
	"FRA": 0.056,
	"GBR": 0.237,
	"IRL": 0.282,
	"ITA": 0.331,
	"JPN": 0.462,
	"NLD": 0.268,
	"NOR": 0.026,
	"POL": 0.662,
	"SWE": 0.041,
	"USA": 0.380,
	"WOR": 0.475,
}

// ValidateZone rejects hosting zones outside the intensity table. An
// empty zone is allowed and falls back to the world average.
func ValidateZone(code string) error {
	if code == "" {
		return nil
	}
	if _, ok := carbonIntensity[code]; !ok {
		return fmt.Errorf("unknown hosting zone %q: %w", code, gateway.ErrBadRequest)
	}
	return nil
}

// Envelope is the (min, max) energy and emissions bracket for one call.
type Envelope struct {
	KWhMin     float64
	KWhMax     float64
	KgCO2eqMin float64
	KgCO2eqMax float64
}

// Carbon computes the energy/emissions envelope for a call. The lower
// bound uses the provider's active parameter count (MoE models draw less
// per token), the upper bound its total count. Reports ok=false when the
// provider declares no parameter counts, which disables carbon accounting
// for the call.
func Carbon(p *gateway.Provider, completionTokens int, latencyMs float64) (Envelope, bool) {
	if p.TotalParams == nil && p.ActiveParams == nil {
		return Envelope{}, false
	}
	low := p.ActiveParams
	if low == nil {
		low = p.TotalParams
	}
	high := p.TotalParams
	if high == nil {
		high = p.ActiveParams
	}

	hostKWh := latencyMs / 1000 / 3600 * hostIdlePowerKW
	kwhMin := (tokenKWh(completionTokens, *low) + hostKWh) * datacenterPUE
	kwhMax := (tokenKWh(completionTokens, *high) + hostKWh) * datacenterPUE

	zone := p.CountryCode
	if zone == "" {
		zone = worldZone
	}
	intensity := carbonIntensity[zone]

	return Envelope{
		KWhMin:     kwhMin,
		KWhMax:     kwhMax,
		KgCO2eqMin: kwhMin * intensity,
		KgCO2eqMax: kwhMax * intensity,
	}, true
}

func tokenKWh(tokens int, paramsB float64) float64 {
	return float64(tokens) * (wattHoursPerTokenPerBParam*paramsB + wattHoursPerTokenBase) / 1000
}
