package registry

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// Manifest is the on-disk partition configuration. It mirrors what a secure
// partition manifest declares: services with their signal assignments and
// version policy, and interrupt sources with their handling class.
type Manifest struct {
	Partitions []PartitionManifest `yaml:"partitions"`
}

// PartitionManifest declares one partition.
type PartitionManifest struct {
	ID       int32             `yaml:"id"`
	Name     string            `yaml:"name"`
	Services []ServiceManifest `yaml:"services"`
	IRQs     []IRQManifest     `yaml:"irqs"`
}

// ServiceManifest declares one service.
type ServiceManifest struct {
	SID             uint32  `yaml:"sid"`
	Version         uint32  `yaml:"version"`
	Policy          string  `yaml:"version_policy"` // "strict" or "relaxed"
	SignalBit       uint8   `yaml:"signal_bit"`
	ConnectionBased bool    `yaml:"connection_based"`
	StatelessIndex  int     `yaml:"stateless_index"`
	Allowed         []int32 `yaml:"allowed_clients"`
}

// IRQManifest declares one interrupt source.
type IRQManifest struct {
	SignalBit uint8  `yaml:"signal_bit"`
	Handling  string `yaml:"handling"` // "flih" or "slih"
	Line      uint32 `yaml:"line"`
}

// LoadManifest reads and parses a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Build registers every declared partition into a fresh registry.
func (m *Manifest) Build() (*Registry, error) {
	reg := New()
	for i := range m.Partitions {
		p, err := m.Partitions[i].toPartition()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (pm *PartitionManifest) toPartition() (*Partition, error) {
	p := &Partition{
		ID:   types.PartitionID(pm.ID),
		Name: pm.Name,
	}
	for _, sm := range pm.Services {
		policy, err := parsePolicy(sm.Policy)
		if err != nil {
			return nil, fmt.Errorf("partition %q service %#x: %w", pm.Name, sm.SID, err)
		}
		svc := &Service{
			SID:             types.ServiceID(sm.SID),
			Version:         sm.Version,
			Policy:          policy,
			Signal:          types.Signal(1) << sm.SignalBit,
			ConnectionBased: sm.ConnectionBased,
			StatelessIndex:  sm.StatelessIndex,
		}
		for _, id := range sm.Allowed {
			svc.Allowed = append(svc.Allowed, types.PartitionID(id))
		}
		p.Services = append(p.Services, svc)
	}
	for _, im := range pm.IRQs {
		handling, err := parseHandling(im.Handling)
		if err != nil {
			return nil, fmt.Errorf("partition %q irq line %d: %w", pm.Name, im.Line, err)
		}
		p.IRQs = append(p.IRQs, &IRQ{
			Signal:   types.Signal(1) << im.SignalBit,
			Handling: handling,
			Line:     im.Line,
		})
	}
	return p, nil
}

func parsePolicy(s string) (types.VersionPolicy, error) {
	switch s {
	case "", "strict":
		return types.PolicyStrict, nil
	case "relaxed":
		return types.PolicyRelaxed, nil
	default:
		return 0, fmt.Errorf("unknown version policy %q", s)
	}
}

func parseHandling(s string) (IRQHandling, error) {
	switch s {
	case "flih":
		return HandlingFLIH, nil
	case "slih":
		return HandlingSLIH, nil
	default:
		return 0, fmt.Errorf("unknown irq handling class %q", s)
	}
}
