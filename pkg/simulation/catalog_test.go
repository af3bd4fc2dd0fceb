package simulation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolutionClassOf(t *testing.T) {
	tests := []struct {
		typ  Type
		res  string
		want ResolutionClass
		ok   bool
	}{
		{TypeClassic, "4x5", ClassCoarse, true},
		{TypeClassic, " 2x2.5 ", ClassMedium, true},
		{TypeClassic, "0.25x0.3125", ClassFinest, true},
		{TypeGCHP, "c360", ClassFinest, true},
		{TypeGCHP, "4x5", "", false},
		{Type("WRF"), "4x5", "", false},
	}
	for _, tt := range tests {
		got, ok := ResolutionClassOf(tt.typ, tt.res)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ResolutionClassOf(%s, %q) = %q, %v; want %q, %v", tt.typ, tt.res, got, ok, tt.want, tt.ok)
		}
	}
	assert.Len(t, Resolutions(TypeGCHP), 5)
}

func TestConfigurationDerivations(t *testing.T) {
	cfg := Configuration{
		SimulationType: TypeGCHP,
		Resolution:     "c48",
		StartDate:      "2024-01-01",
		EndDate:        "2024-01-31",
		ProcessorType:  "Graviton4",
		InstanceSize:   "large",
		Nodes:          4,
	}
	assert.Equal(t, 30, cfg.SimulationDays())
	assert.Equal(t, ClassMedium, cfg.Class())
	assert.Equal(t, FamilyARM64, cfg.Family())
	assert.Equal(t, 4, cfg.NodeCount())
	assert.Equal(t, 32.0*4*2.5, cfg.ResourceUnits())

	classic := cfg
	classic.SimulationType = TypeClassic
	assert.Equal(t, 1, classic.NodeCount(), "single-node types ignore nodes")

	reversed := cfg
	reversed.EndDate = "2023-12-01"
	assert.Zero(t, reversed.SimulationDays())
}

func TestWithDefaults(t *testing.T) {
	c := Configuration{}.WithDefaults()
	assert.Equal(t, 1, c.Nodes)
	assert.Equal(t, FrequencyDaily, c.OutputFrequency)
	assert.Equal(t, MemoryStandard, c.MemoryProfile)
	assert.Equal(t, "fullchem", c.Chemistry)
}

func TestCatalogLookups(t *testing.T) {
	spec, ok := Instance("XLarge")
	assert.True(t, ok)
	assert.Equal(t, InstanceSpec{VCPUs: 64, MemoryMiB: 131072}, spec)

	m, ok := OutputFrequencyMultiplier("")
	assert.True(t, ok)
	assert.Equal(t, 1.0, m)
	_, ok = OutputFrequencyMultiplier("weekly")
	assert.False(t, ok)

	assert.Equal(t, 0.85, HourlyCost(FamilyX8664))
	assert.True(t, ValidChemistry("tagO3"))
	assert.False(t, ValidChemistry("tago3"))
	assert.True(t, ValidMemoryProfile(""))
	assert.False(t, ValidMemoryProfile("huge"))
}

func TestErrorKinds(t *testing.T) {
	err := Conflict("cancel", StatusCompleted)
	assert.True(t, IsConflict(err))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "cancel: CONFLICT: simulation is COMPLETED (current_status=COMPLETED)", err.Error())

	wrapped := NewError(KindNotFound, "get", "u/s", errors.New("record not found"))
	assert.True(t, IsNotFound(wrapped))
	assert.Contains(t, wrapped.Error(), "record not found")

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindQuotaExceeded, KindOf(errors.Join(ErrQuotaExceeded)))
}
