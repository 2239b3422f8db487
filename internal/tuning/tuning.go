package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mandelmesh.io/internal/mesh/field"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	// SnapshotKeep is how many snapshots survive pruning; 0 keeps all.
	SnapshotKeep int `yaml:"snapshot_keep"`

	Resolution int `yaml:"resolution"`
	Backlog    int `yaml:"backlog"`

	Split     SplitTuning  `yaml:"split"`
	Mandelbox field.Params `yaml:"mandelbox"`
	Viewer    ViewerTuning `yaml:"viewer"`
}

// SplitTuning selects the refinement policy applied after each chunk is installed.
type SplitTuning struct {
	// Policy is one of "none", "max_depth" or "distance".
	Policy   string     `yaml:"policy"`
	MaxDepth int32      `yaml:"max_depth"`
	Eye      [3]float64 `yaml:"eye"`
	Factor   float64    `yaml:"factor"`
}

type ViewerTuning struct {
	SendBuffer     int `yaml:"send_buffer"`
	MaxViewers     int `yaml:"max_viewers"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         30,
		SnapshotEveryTicks: 1800,
		SnapshotKeep:       8,
		Resolution:         64,
		Backlog:            64,
		Split: SplitTuning{
			Policy:   "none",
			MaxDepth: 1,
			Factor:   1.5,
		},
		Mandelbox: field.DefaultParams(),
		Viewer: ViewerTuning{
			SendBuffer:     4096,
			MaxViewers:     32,
			WriteTimeoutMs: 5000,
		},
	}
}

// Load reads path over Defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("mandelmesh.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("mandelmesh.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0 (got %d)", t.TickRateHz))
	}
	if t.SnapshotEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("snapshot_every_ticks must be >= 0 (got %d)", t.SnapshotEveryTicks))
	}
	if t.SnapshotKeep < 0 {
		errs = append(errs, fmt.Errorf("snapshot_keep must be >= 0 (got %d)", t.SnapshotKeep))
	}
	if t.Resolution < 3 {
		errs = append(errs, fmt.Errorf("resolution must be >= 3 (got %d)", t.Resolution))
	}
	if t.Backlog <= 0 {
		errs = append(errs, fmt.Errorf("backlog must be > 0 (got %d)", t.Backlog))
	}
	switch t.Split.Policy {
	case "", "none":
	case "max_depth", "distance":
		if t.Split.MaxDepth < 1 || t.Split.MaxDepth > 30 {
			errs = append(errs, fmt.Errorf("split.max_depth must be in [1,30] (got %d)", t.Split.MaxDepth))
		}
		if t.Split.Policy == "distance" && t.Split.Factor <= 0 {
			errs = append(errs, fmt.Errorf("split.factor must be > 0 (got %g)", t.Split.Factor))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown split.policy %q", t.Split.Policy))
	}
	m := t.Mandelbox
	if m.MaxIters <= 0 {
		errs = append(errs, fmt.Errorf("mandelbox.max_iters must be > 0 (got %d)", m.MaxIters))
	}
	if m.MinRadius2 <= 0 || m.FixedRadius2 < m.MinRadius2 {
		errs = append(errs, fmt.Errorf("mandelbox radii must satisfy 0 < min_radius2 <= fixed_radius2 (got %g, %g)", m.MinRadius2, m.FixedRadius2))
	}
	if t.Viewer.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("viewer.send_buffer must be > 0 (got %d)", t.Viewer.SendBuffer))
	}
	return errors.Join(errs...)
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}
