package simulation

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Type is the simulation model variant.
type Type string

const (
	// TypeClassic is the single-node GEOS-Chem Classic model.
	TypeClassic Type = "GC_CLASSIC"

	// TypeGCHP is the multi-node high-performance cubed-sphere model.
	TypeGCHP Type = "GCHP"
)

// MultiNode reports whether the type may span more than one node.
func (t Type) MultiNode() bool {
	return t == TypeGCHP
}

// ResolutionClass is the categorical problem-size descriptor used to scale
// resource, storage and time estimates.
type ResolutionClass string

const (
	ClassCoarse ResolutionClass = "coarse"
	ClassMedium ResolutionClass = "medium"
	ClassFine   ResolutionClass = "fine"
	ClassFinest ResolutionClass = "finest"
)

// ProcessorType is the user-facing processor selection.
type ProcessorType string

const (
	ProcessorGraviton3 ProcessorType = "graviton3"
	ProcessorGraviton4 ProcessorType = "graviton4"
	ProcessorIntel     ProcessorType = "intel"
	ProcessorAMD       ProcessorType = "amd"
)

// Family is the processor-architecture partition that selects a compute queue.
type Family string

const (
	FamilyARM64 Family = "arm64"
	FamilyX8664 Family = "x86_64"
)

// InstanceSpec is the per-node resource request for an instance size.
type InstanceSpec struct {
	VCPUs     int
	MemoryMiB int
}

// Hard ceilings.
const (
	MinDurationDays  = 1
	MaxDurationDays  = 3650
	MaxNodes         = 8
	MaxResourceUnits = 2048
	MaxTimeoutHours  = 48.0

	// HighMemoryFactor scales vCPU and memory for the high-memory profile and
	// for the finest resolution class.
	HighMemoryFactor = 1.5

	// TimeoutSafetyFactor pads the per-resolution runtime estimate.
	TimeoutSafetyFactor = 1.5

	// SpotMultiplier is the fraction of on-demand price paid for spot capacity.
	SpotMultiplier = 0.3

	// StoragePricePerGBMonth is the object-storage unit price in USD.
	StoragePricePerGBMonth = 0.023

	// RetentionMonths is how long outputs are assumed to be retained.
	RetentionMonths = 1.0
)

// DateLayout is the accepted start/end date format.
const DateLayout = "2006-01-02"

const (
	MemoryStandard = "standard"
	MemoryHigh     = "high"
)

const (
	FrequencyHourly      = "hourly"
	FrequencyThreeHourly = "3-hourly"
	FrequencyDaily       = "daily"
	FrequencyMonthly     = "monthly"
)

var resolutions = map[Type]map[string]ResolutionClass{
	TypeClassic: {
		"4x5":         ClassCoarse,
		"2x2.5":       ClassMedium,
		"0.5x0.625":   ClassFine,
		"0.25x0.3125": ClassFinest,
	},
	TypeGCHP: {
		"c24":  ClassCoarse,
		"c48":  ClassMedium,
		"c90":  ClassFine,
		"c180": ClassFinest,
		"c360": ClassFinest,
	},
}

// Static per-class tables. hoursPerSimDay is a documented estimate, not a
// measurement.
var (
	hoursPerSimDayEstimate = map[ResolutionClass]float64{
		ClassCoarse: 0.5,
		ClassMedium: 1.5,
		ClassFine:   4,
		ClassFinest: 8,
	}
	resourceMultiplier = map[ResolutionClass]float64{
		ClassCoarse: 1,
		ClassMedium: 2.5,
		ClassFine:   5,
		ClassFinest: 8,
	}
	baseStorageGBPerDay = map[ResolutionClass]float64{
		ClassCoarse: 0.1,
		ClassMedium: 0.4,
		ClassFine:   2.0,
		ClassFinest: 6.0,
	}
)

var instanceSizes = map[string]InstanceSpec{
	"small":  {VCPUs: 8, MemoryMiB: 16384},
	"medium": {VCPUs: 16, MemoryMiB: 32768},
	"large":  {VCPUs: 32, MemoryMiB: 65536},
	"xlarge": {VCPUs: 64, MemoryMiB: 131072},
}

var processorFamilies = map[ProcessorType]Family{
	ProcessorGraviton3: FamilyARM64,
	ProcessorGraviton4: FamilyARM64,
	ProcessorIntel:     FamilyX8664,
	ProcessorAMD:       FamilyX8664,
}

// Hourly on-demand cost per processor family, USD.
var hourlyCost = map[Family]float64{
	FamilyARM64: 0.68,
	FamilyX8664: 0.85,
}

var outputFrequencyMultiplier = map[string]float64{
	FrequencyHourly:      4,
	FrequencyThreeHourly: 2,
	FrequencyDaily:       1,
	FrequencyMonthly:     0.1,
}

var chemistryOptions = []string{"fullchem", "aerosol", "transport", "CH4", "CO2", "Hg", "tagO3"}

// Types returns the known simulation types.
func Types() []Type {
	return []Type{TypeClassic, TypeGCHP}
}

// ResolutionClassOf returns the class for a resolution under a type.
func ResolutionClassOf(t Type, resolution string) (ResolutionClass, bool) {
	m, ok := resolutions[t]
	if !ok {
		return "", false
	}
	c, ok := m[strings.TrimSpace(resolution)]
	return c, ok
}

// Resolutions returns the resolutions accepted for a type.
func Resolutions(t Type) []string {
	out := make([]string, 0, len(resolutions[t]))
	for r := range resolutions[t] {
		out = append(out, r)
	}
	return out
}

// FamilyOf returns the processor family for a processor type.
func FamilyOf(p ProcessorType) (Family, bool) {
	f, ok := processorFamilies[ProcessorType(strings.ToLower(string(p)))]
	return f, ok
}

// Instance returns the per-node resource request for an instance size.
func Instance(size string) (InstanceSpec, bool) {
	s, ok := instanceSizes[strings.ToLower(strings.TrimSpace(size))]
	return s, ok
}

// HoursPerSimDayEstimate returns the static runtime estimate for a class.
func HoursPerSimDayEstimate(c ResolutionClass) float64 {
	return hoursPerSimDayEstimate[c]
}

// ResourceMultiplier returns the resource-units multiplier for a class.
func ResourceMultiplier(c ResolutionClass) float64 {
	return resourceMultiplier[c]
}

// BaseStorageGBPerDay returns the expected output volume per simulated day.
func BaseStorageGBPerDay(c ResolutionClass) float64 {
	return baseStorageGBPerDay[c]
}

// HourlyCost returns the on-demand hourly cost for a processor family.
func HourlyCost(f Family) float64 {
	return hourlyCost[f]
}

// OutputFrequencyMultiplier returns the storage multiplier for an output
// frequency. An empty frequency is treated as daily.
func OutputFrequencyMultiplier(freq string) (float64, bool) {
	if strings.TrimSpace(freq) == "" {
		freq = FrequencyDaily
	}
	m, ok := outputFrequencyMultiplier[strings.ToLower(freq)]
	return m, ok
}

// ValidChemistry reports whether opt is a known chemistry option.
func ValidChemistry(opt string) bool {
	for _, c := range chemistryOptions {
		if c == opt {
			return true
		}
	}
	return false
}

// ValidMemoryProfile reports whether p is a known memory profile.
func ValidMemoryProfile(p string) bool {
	return p == "" || p == MemoryStandard || p == MemoryHigh
}

// WithDefaults returns a copy with optional fields defaulted.
func (c Configuration) WithDefaults() Configuration {
	if c.Nodes == 0 {
		c.Nodes = 1
	}
	if c.OutputFrequency == "" {
		c.OutputFrequency = FrequencyDaily
	}
	if c.MemoryProfile == "" {
		c.MemoryProfile = MemoryStandard
	}
	if c.Chemistry == "" {
		c.Chemistry = "fullchem"
	}
	return c
}

// Dates parses the start and end dates.
func (c Configuration) Dates() (start, end time.Time, err error) {
	start, err = time.Parse(DateLayout, strings.TrimSpace(c.StartDate))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start_date: %w", err)
	}
	end, err = time.Parse(DateLayout, strings.TrimSpace(c.EndDate))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end_date: %w", err)
	}
	return start, end, nil
}

// SimulationDays returns ceil(end - start) in days. Unparseable or reversed
// dates yield 0.
func (c Configuration) SimulationDays() int {
	start, end, err := c.Dates()
	if err != nil || !end.After(start) {
		return 0
	}
	return int(math.Ceil(end.Sub(start).Hours() / 24))
}

// Class returns the resolution class, or "" if the resolution is unknown.
func (c Configuration) Class() ResolutionClass {
	cls, _ := ResolutionClassOf(c.SimulationType, c.Resolution)
	return cls
}

// Family returns the processor family, or "" if the processor is unknown.
func (c Configuration) Family() Family {
	f, _ := FamilyOf(c.ProcessorType)
	return f
}

// NodeCount returns the effective node count; single-node types always use 1.
func (c Configuration) NodeCount() int {
	if !c.SimulationType.MultiNode() || c.Nodes < 1 {
		return 1
	}
	return c.Nodes
}

// ResourceUnits is the derived resource estimate checked against
// MaxResourceUnits: vCPUs x nodes x resolution multiplier.
func (c Configuration) ResourceUnits() float64 {
	spec, ok := Instance(c.InstanceSize)
	if !ok {
		return 0
	}
	return float64(spec.VCPUs) * float64(c.NodeCount()) * ResourceMultiplier(c.Class())
}
