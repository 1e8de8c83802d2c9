package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

func demoPartition() *Partition {
	return &Partition{
		ID:   -5,
		Name: "crypto",
		Services: []*Service{
			{SID: 0x1000, Version: 2, Policy: types.PolicyRelaxed, Signal: 1 << 4, ConnectionBased: true},
			{SID: 0x1001, Version: 1, Policy: types.PolicyStrict, Signal: 1 << 5, StatelessIndex: 0},
		},
		IRQs: []*IRQ{
			{Signal: 1 << 6, Handling: HandlingFLIH, Line: 11},
			{Signal: 1 << 7, Handling: HandlingSLIH, Line: 12},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(demoPartition()))

	svc, p, ok := reg.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, types.PartitionID(-5), p.ID)
	assert.True(t, svc.ConnectionBased)

	_, _, ok = reg.Lookup(0x9999)
	assert.False(t, ok)

	svc, p, ok = reg.Stateless(0)
	require.True(t, ok)
	assert.Equal(t, types.ServiceID(0x1001), svc.SID)
	assert.Equal(t, types.PartitionID(-5), p.ID)
}

func TestSignalLookups(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(demoPartition()))

	p, ok := reg.Partition(-5)
	require.True(t, ok)

	assert.NotNil(t, p.ServiceBySignal(1<<4))
	assert.Nil(t, p.ServiceBySignal(1<<6))
	assert.NotNil(t, p.IRQBySignal(1<<6))
	assert.Nil(t, p.IRQBySignal(1<<4))
}

func TestRegisterRejectsBadLayouts(t *testing.T) {
	tests := []struct {
		name string
		p    *Partition
	}{
		{
			"duplicate signal bit",
			&Partition{ID: 1, Services: []*Service{
				{SID: 1, Signal: 1 << 4, ConnectionBased: true},
				{SID: 2, Signal: 1 << 4, ConnectionBased: true},
			}},
		},
		{
			"reserved signal bit",
			&Partition{ID: 1, Services: []*Service{
				{SID: 1, Signal: 1 << 3, ConnectionBased: true},
			}},
		},
		{
			"multi-bit signal",
			&Partition{ID: 1, Services: []*Service{
				{SID: 1, Signal: 3 << 4, ConnectionBased: true},
			}},
		},
		{
			"irq colliding with service",
			&Partition{ID: 1,
				Services: []*Service{{SID: 1, Signal: 1 << 4, ConnectionBased: true}},
				IRQs:     []*IRQ{{Signal: 1 << 4, Handling: HandlingFLIH}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New().Register(tt.p))
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(demoPartition()))

	assert.Error(t, reg.Register(demoPartition()))

	other := &Partition{ID: -6, Services: []*Service{
		{SID: 0x1000, Signal: 1 << 4, ConnectionBased: true},
	}}
	assert.Error(t, reg.Register(other), "duplicate SID across partitions")
}

func TestVersionPolicy(t *testing.T) {
	strict := &Service{Version: 2, Policy: types.PolicyStrict}
	relaxed := &Service{Version: 2, Policy: types.PolicyRelaxed}

	assert.True(t, strict.VersionOK(2))
	assert.False(t, strict.VersionOK(1))
	assert.True(t, relaxed.VersionOK(1))
	assert.True(t, relaxed.VersionOK(2))
	assert.False(t, relaxed.VersionOK(3))
}

func TestAccessControl(t *testing.T) {
	open := &Service{}
	closed := &Service{Allowed: []types.PartitionID{1, 2}}

	assert.True(t, open.Accessible(42))
	assert.True(t, closed.Accessible(1))
	assert.False(t, closed.Accessible(3))
}

func TestManifestRoundTrip(t *testing.T) {
	src := `
partitions:
  - id: -5
    name: crypto
    services:
      - sid: 0x1000
        version: 2
        version_policy: relaxed
        signal_bit: 4
        connection_based: true
      - sid: 0x1001
        version: 1
        signal_bit: 5
        stateless_index: 0
        allowed_clients: [1]
    irqs:
      - signal_bit: 6
        handling: flih
        line: 11
      - signal_bit: 7
        handling: slih
        line: 12
  - id: 1
    name: client
`
	m, err := ParseManifest([]byte(src))
	require.NoError(t, err)
	require.Len(t, m.Partitions, 2)

	reg, err := m.Build()
	require.NoError(t, err)

	svc, p, ok := reg.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, "crypto", p.Name)
	assert.Equal(t, types.Signal(1<<4), svc.Signal)
	assert.Equal(t, types.PolicyRelaxed, svc.Policy)

	stateless, _, ok := reg.Stateless(0)
	require.True(t, ok)
	assert.False(t, stateless.ConnectionBased)
	assert.True(t, stateless.Accessible(1))
	assert.False(t, stateless.Accessible(2))

	crypto, _ := reg.Partition(-5)
	irq := crypto.IRQBySignal(1 << 7)
	require.NotNil(t, irq)
	assert.Equal(t, HandlingSLIH, irq.Handling)
	assert.Equal(t, uint32(12), irq.Line)
}

func TestManifestRejectsUnknownEnums(t *testing.T) {
	_, err := buildManifest(`
partitions:
  - id: 1
    services:
      - sid: 1
        signal_bit: 4
        version_policy: sloppy
`)
	assert.Error(t, err)

	_, err = buildManifest(`
partitions:
  - id: 1
    irqs:
      - signal_bit: 4
        handling: thirdlevel
`)
	assert.Error(t, err)
}

func buildManifest(src string) (*Registry, error) {
	m, err := ParseManifest([]byte(src))
	if err != nil {
		return nil, err
	}
	return m.Build()
}
