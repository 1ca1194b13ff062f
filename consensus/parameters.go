package consensus

import (
	"errors"
	"fmt"
	"time"

	"dag-consensus/vote"
)

var ErrParametersInvalid = errors.New("parameters invalid")

// Preset is a named parameter set, picked once per deployment.
type Preset uint8

const (
	PresetDefault Preset = iota
	PresetFastFinality
	PresetHighSecurity
)

func (p Preset) String() string {
	switch p {
	case PresetDefault:
		return "default"
	case PresetFastFinality:
		return "fast-finality"
	case PresetHighSecurity:
		return "high-security"
	default:
		return fmt.Sprintf("preset(%d)", uint8(p))
	}
}

func ParsePreset(s string) (Preset, error) {
	switch s {
	case "", "default":
		return PresetDefault, nil
	case "fast-finality":
		return PresetFastFinality, nil
	case "high-security":
		return PresetHighSecurity, nil
	default:
		return 0, fmt.Errorf("%w: unknown preset %q", ErrParametersInvalid, s)
	}
}

// Parameters are fixed for the lifetime of an engine.
type Parameters struct {
	K             int           // peers sampled per round
	Alpha         int           // quorum: agreeing responses for a successful round
	Beta          int           // finality depth: consecutive successful rounds
	QueryTimeout  time.Duration // per query attempt
	RoundInterval time.Duration // delay between rounds of one conflict set
	Workers       int           // rounds running at once
	MaxActiveSets int           // conflict sets under active voting
}

func (p Preset) Parameters() Parameters {
	switch p {
	case PresetFastFinality:
		return Parameters{
			K:             15,
			Alpha:         11,
			Beta:          10,
			QueryTimeout:  50 * time.Millisecond,
			RoundInterval: 50 * time.Millisecond,
			Workers:       8,
			MaxActiveSets: 1024,
		}
	case PresetHighSecurity:
		return Parameters{
			K:             30,
			Alpha:         24,
			Beta:          25,
			QueryTimeout:  200 * time.Millisecond,
			RoundInterval: 200 * time.Millisecond,
			Workers:       8,
			MaxActiveSets: 1024,
		}
	default:
		return Parameters{
			K:             20,
			Alpha:         14,
			Beta:          15,
			QueryTimeout:  100 * time.Millisecond,
			RoundInterval: 100 * time.Millisecond,
			Workers:       8,
			MaxActiveSets: 1024,
		}
	}
}

// DefaultParameters is the default preset.
func DefaultParameters() Parameters {
	return PresetDefault.Parameters()
}

// Verify checks the quorum and depth relations. Alpha must be a strict
// majority of K so that two disjoint quorums cannot both succeed in a round.
func (p Parameters) Verify() error {
	switch {
	case p.K < 1:
		return fmt.Errorf("%w: k = %d: fails the condition that: 0 < k", ErrParametersInvalid, p.K)
	case p.Alpha < 1 || p.Alpha > p.K:
		return fmt.Errorf("%w: alpha = %d, k = %d: fails the condition that: 0 < alpha <= k", ErrParametersInvalid, p.Alpha, p.K)
	case 2*p.Alpha <= p.K:
		return fmt.Errorf("%w: alpha = %d, k = %d: fails the condition that: k/2 < alpha", ErrParametersInvalid, p.Alpha, p.K)
	case p.Beta < 1:
		return fmt.Errorf("%w: beta = %d: fails the condition that: 0 < beta", ErrParametersInvalid, p.Beta)
	case p.QueryTimeout <= 0:
		return fmt.Errorf("%w: query timeout = %s: fails the condition that: 0 < query timeout", ErrParametersInvalid, p.QueryTimeout)
	case p.RoundInterval <= 0:
		return fmt.Errorf("%w: round interval = %s: fails the condition that: 0 < round interval", ErrParametersInvalid, p.RoundInterval)
	case p.Workers < 1:
		return fmt.Errorf("%w: workers = %d: fails the condition that: 0 < workers", ErrParametersInvalid, p.Workers)
	case p.MaxActiveSets < 1:
		return fmt.Errorf("%w: max active sets = %d: fails the condition that: 0 < max active sets", ErrParametersInvalid, p.MaxActiveSets)
	default:
		return nil
	}
}

func (p Parameters) vote() vote.Params {
	return vote.Params{
		K:            p.K,
		Alpha:        p.Alpha,
		Beta:         p.Beta,
		QueryTimeout: p.QueryTimeout,
	}
}
