// Package costmodel computes cost and performance metrics for a simulation.
//
// Every function is pure: identical inputs always produce bit-identical
// outputs. Rates come from the static tables in package simulation. Values
// are kept at full precision; callers round only for display.
package costmodel

import (
	"math"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

const (
	secondsPerHour = 3600.0
	secondsPerDay  = 86400.0
)

// Input is what Calculate needs from a finished run.
type Input struct {
	Configuration  simulation.Configuration
	RuntimeSeconds float64

	// Optional run-summary timings and allocated vCPUs for CPU efficiency.
	WallTimeSeconds *float64
	CPUTimeSeconds  *float64
	VCPUs           int
}

// EffectiveHourlyCost is the family's on-demand rate, discounted for spot,
// for every node the job holds.
func EffectiveHourlyCost(cfg simulation.Configuration) float64 {
	rate := simulation.HourlyCost(cfg.Family())
	if cfg.UseSpot {
		rate *= simulation.SpotMultiplier
	}
	return rate * float64(cfg.NodeCount())
}

// StorageCost is the expected storage spend for the configured output volume.
func StorageCost(cfg simulation.Configuration) float64 {
	freq, ok := simulation.OutputFrequencyMultiplier(cfg.OutputFrequency)
	if !ok {
		freq = 1
	}
	return simulation.BaseStorageGBPerDay(cfg.Class()) *
		float64(cfg.SimulationDays()) *
		freq *
		simulation.StoragePricePerGBMonth *
		simulation.RetentionMonths
}

// HoursPerSimDay returns wall-clock hours per simulated day. ok is false when
// the configuration spans zero days.
func HoursPerSimDay(cfg simulation.Configuration, runtimeSeconds float64) (float64, bool) {
	days := cfg.SimulationDays()
	if days == 0 {
		return 0, false
	}
	return (runtimeSeconds / secondsPerHour) / float64(days), true
}

// Throughput returns simulated days completed per wall-clock day. ok is false
// when runtime is not positive.
func Throughput(cfg simulation.Configuration, runtimeSeconds float64) (float64, bool) {
	if runtimeSeconds <= 0 {
		return 0, false
	}
	return float64(cfg.SimulationDays()) / (runtimeSeconds / secondsPerDay), true
}

// Calculate derives the success-branch metrics. EstimatedCost is left zero;
// callers carry it over from the record.
func Calculate(in Input) simulation.Metrics {
	cfg := in.Configuration
	hourly := EffectiveHourlyCost(cfg)

	compute := hourly * (in.RuntimeSeconds / secondsPerHour)
	storage := StorageCost(cfg)
	actual := compute + storage

	m := simulation.Metrics{
		ComputeCost: &compute,
		StorageCost: &storage,
		ActualCost:  &actual,
	}

	if tp, ok := Throughput(cfg, in.RuntimeSeconds); ok {
		m.ThroughputDaysPerDay = &tp
	}
	if h, ok := HoursPerSimDay(cfg, in.RuntimeSeconds); ok {
		m.HoursPerSimDay = &h
		perDay := hourly * h
		m.CostPerSimDay = &perDay
	}
	if eff, ok := CPUEfficiency(in.WallTimeSeconds, in.CPUTimeSeconds, in.VCPUs); ok {
		m.CPUEfficiency = &eff
	}
	return m
}

// CPUEfficiency is cpu / (wall x vcpus). ok is false when any input is missing
// or non-positive.
func CPUEfficiency(wall, cpu *float64, vcpus int) (float64, bool) {
	if wall == nil || cpu == nil || *wall <= 0 || vcpus <= 0 {
		return 0, false
	}
	return *cpu / (*wall * float64(vcpus)), true
}

// Estimate is the pre-submission projection shown to the submitter.
type Estimate struct {
	SimulationDays         int     `json:"simulation_days"`
	ExpectedRuntimeSeconds float64 `json:"expected_runtime_seconds"`
	EffectiveHourlyCost    float64 `json:"effective_hourly_cost"`
	ComputeCost            float64 `json:"compute_cost"`
	StorageCost            float64 `json:"storage_cost"`
	TotalCost              float64 `json:"total_cost"`
	CostPerSimDay          float64 `json:"cost_per_sim_day"`
	ThroughputDaysPerDay   float64 `json:"throughput_days_per_day"`
	HoursPerSimDay         float64 `json:"hours_per_sim_day"`
}

// ExpectedRuntimeSeconds is days x per-class hours estimate, without the
// dispatch safety factor.
func ExpectedRuntimeSeconds(cfg simulation.Configuration) float64 {
	return float64(cfg.SimulationDays()) * simulation.HoursPerSimDayEstimate(cfg.Class()) * secondsPerHour
}

// EstimateFor runs Calculate against the expected runtime, so an estimate
// equals the actual cost of a run that takes exactly that long.
func EstimateFor(cfg simulation.Configuration) Estimate {
	runtime := ExpectedRuntimeSeconds(cfg)
	m := Calculate(Input{Configuration: cfg, RuntimeSeconds: runtime})

	e := Estimate{
		SimulationDays:         cfg.SimulationDays(),
		ExpectedRuntimeSeconds: runtime,
		EffectiveHourlyCost:    EffectiveHourlyCost(cfg),
		ComputeCost:            *m.ComputeCost,
		StorageCost:            *m.StorageCost,
		TotalCost:              *m.ActualCost,
	}
	if m.HoursPerSimDay != nil {
		e.HoursPerSimDay = *m.HoursPerSimDay
	}
	if m.CostPerSimDay != nil {
		e.CostPerSimDay = *m.CostPerSimDay
	}
	if m.ThroughputDaysPerDay != nil {
		e.ThroughputDaysPerDay = *m.ThroughputDaysPerDay
	}
	return e
}

// Round rounds v to the given number of decimal places for display.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Rounded returns a display copy of m with costs at 4 places and rates at 2.
// hoursPerSimDay keeps 4 places so fast runs never show as zero.
func Rounded(m simulation.Metrics) simulation.Metrics {
	out := simulation.Metrics{EstimatedCost: Round(m.EstimatedCost, 4)}
	out.ActualCost = roundPtr(m.ActualCost, 4)
	out.ComputeCost = roundPtr(m.ComputeCost, 4)
	out.StorageCost = roundPtr(m.StorageCost, 4)
	out.CostPerSimDay = roundPtr(m.CostPerSimDay, 4)
	out.ThroughputDaysPerDay = roundPtr(m.ThroughputDaysPerDay, 2)
	out.HoursPerSimDay = roundPtr(m.HoursPerSimDay, 4)
	out.CPUEfficiency = roundPtr(m.CPUEfficiency, 4)
	return out
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := Round(*v, places)
	if r == 0 && *v > 0 {
		r = *v
	}
	return &r
}
