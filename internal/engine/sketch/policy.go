package sketch

import (
	"HeavySpectra/internal/model"
	"fmt"
	"strings"
)

// DecayPolicy selects how the sketch bounds staleness between attenuation ticks.
type DecayPolicy uint8

const (
	PolicyNone DecayPolicy = iota
	PolicyHalve
	PolicyReset
)

func (p DecayPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyHalve:
		return "halve"
	case PolicyReset:
		return "reset"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseDecayPolicy accepts "none", "halve" (alias "decay") and "reset".
func ParseDecayPolicy(s string) (DecayPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PolicyNone, nil
	case "halve", "decay":
		return PolicyHalve, nil
	case "reset":
		return PolicyReset, nil
	default:
		return PolicyNone, fmt.Errorf("%w: unknown decay policy %q", model.ErrInvalidParameters, s)
	}
}

// Apply maps a count through the policy, mirroring what Attenuate does to
// the sketch cells.
func (p DecayPolicy) Apply(count uint64) uint64 {
	switch p {
	case PolicyHalve:
		return count >> 1
	case PolicyReset:
		return 0
	default:
		return count
	}
}
