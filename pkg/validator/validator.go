// Package validator checks a simulation configuration for structural and
// quota validity before anything is dispatched.
//
// Structural checks fail closed: any problem the validator can verify on its
// own makes the result invalid. The quota check depends on the metadata store
// and fails open: if the store cannot be read, the result carries a warning
// instead of an error.
package validator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// DefaultMaxActivePerUser is the per-user concurrent-active-job quota.
const DefaultMaxActivePerUser = 5

// Issue codes. Stable strings used in API responses.
const (
	CodeRequired      = "required"
	CodeInvalidEnum   = "invalid_value"
	CodeInvalidDate   = "invalid_date"
	CodeDateOrder     = "date_order"
	CodeDuration      = "duration_out_of_range"
	CodeNodes         = "invalid_node_count"
	CodeResourceLimit = "resource_limit"
	CodeQuota         = "quota_exceeded"
	CodeQuotaUnknown  = "quota_unavailable"
)

// Issue is a single field-level finding.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// String renders "field: message".
func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// Result is the validator outcome. Valid is false iff Errors is non-empty.
type Result struct {
	Valid           bool     `json:"valid"`
	Errors          []Issue  `json:"errors"`
	Warnings        []Issue  `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// QuotaExceeded reports whether the quota check fired.
func (r *Result) QuotaExceeded() bool {
	for _, e := range r.Errors {
		if e.Code == CodeQuota {
			return true
		}
	}
	return false
}

// Err converts an invalid result into a taxonomy error. Structural errors take
// precedence over the quota. Returns nil when valid.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	kind := simulation.KindValidation
	structural := 0
	for _, e := range r.Errors {
		if e.Code != CodeQuota {
			structural++
		}
	}
	if structural == 0 && r.QuotaExceeded() {
		kind = simulation.KindQuotaExceeded
	}

	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	se := simulation.NewError(kind, "validate", strings.Join(msgs, "; "), nil)
	if len(r.Errors) > 0 && r.Errors[0].Field != "" {
		se = se.WithField("field", r.Errors[0].Field)
	}
	return se
}

// ActiveCounter is the slice of the metadata store the quota check needs.
type ActiveCounter interface {
	Query(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error)
}

// Config configures a Validator.
type Config struct {
	// MaxActivePerUser is the per-user quota. Zero uses the default; negative
	// disables the check.
	MaxActivePerUser int
}

// Validator runs the ordered checks.
type Validator struct {
	counter  ActiveCounter
	maxQuota int
	logger   *zap.Logger
}

// New creates a Validator. counter may be nil, which skips the quota check.
func New(counter ActiveCounter, cfg Config, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := cfg.MaxActivePerUser
	if q == 0 {
		q = DefaultMaxActivePerUser
	}
	return &Validator{counter: counter, maxQuota: q, logger: logger}
}

// Validate checks cfg for userID. Checks run in order: required fields and
// enums, dates, duration bound, node count, resource ceiling, quota.
func (v *Validator) Validate(ctx context.Context, userID string, cfg simulation.Configuration) *Result {
	r := &Result{Errors: []Issue{}, Warnings: []Issue{}, Recommendations: []string{}}

	cfg = cfg.WithDefaults()
	enumsOK := checkFields(r, cfg)
	days, datesOK := checkDates(r, cfg)
	if datesOK {
		checkDuration(r, days)
	}
	checkNodes(r, cfg)
	if enumsOK {
		checkResources(r, cfg)
	}
	v.checkQuota(ctx, r, userID)

	if datesOK && enumsOK {
		recommend(r, cfg, days)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// Structural runs every check except the quota. Used where no store is
// consulted, such as client-side validation.
func Structural(cfg simulation.Configuration) *Result {
	return New(nil, Config{MaxActivePerUser: -1}, nil).Validate(context.Background(), "", cfg)
}

func (r *Result) addError(field, code, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) addWarning(field, code, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

func checkFields(r *Result, cfg simulation.Configuration) bool {
	ok := true

	typeOK := false
	switch {
	case cfg.SimulationType == "":
		r.addError("simulation_type", CodeRequired, "simulation type is required")
	case cfg.SimulationType != simulation.TypeClassic && cfg.SimulationType != simulation.TypeGCHP:
		r.addError("simulation_type", CodeInvalidEnum, "unknown simulation type %q (want %s or %s)",
			cfg.SimulationType, simulation.TypeClassic, simulation.TypeGCHP)
	default:
		typeOK = true
	}
	ok = ok && typeOK

	switch {
	case strings.TrimSpace(cfg.Resolution) == "":
		r.addError("resolution", CodeRequired, "resolution is required")
		ok = false
	case typeOK:
		if _, found := simulation.ResolutionClassOf(cfg.SimulationType, cfg.Resolution); !found {
			r.addError("resolution", CodeInvalidEnum, "resolution %q is not valid for %s", cfg.Resolution, cfg.SimulationType)
			ok = false
		}
	}

	switch {
	case cfg.ProcessorType == "":
		r.addError("processor_type", CodeRequired, "processor type is required")
		ok = false
	default:
		if _, found := simulation.FamilyOf(cfg.ProcessorType); !found {
			r.addError("processor_type", CodeInvalidEnum, "unknown processor type %q", cfg.ProcessorType)
			ok = false
		}
	}

	switch {
	case strings.TrimSpace(cfg.InstanceSize) == "":
		r.addError("instance_size", CodeRequired, "instance size is required")
		ok = false
	default:
		if _, found := simulation.Instance(cfg.InstanceSize); !found {
			r.addError("instance_size", CodeInvalidEnum, "unknown instance size %q", cfg.InstanceSize)
			ok = false
		}
	}

	if !simulation.ValidChemistry(cfg.Chemistry) {
		r.addError("chemistry", CodeInvalidEnum, "unknown chemistry option %q", cfg.Chemistry)
	}
	if !simulation.ValidMemoryProfile(cfg.MemoryProfile) {
		r.addError("memory_profile", CodeInvalidEnum, "unknown memory profile %q", cfg.MemoryProfile)
	}
	if _, found := simulation.OutputFrequencyMultiplier(cfg.OutputFrequency); !found {
		r.addError("output_frequency", CodeInvalidEnum, "unknown output frequency %q", cfg.OutputFrequency)
	}
	if cfg.SpinupDays < 0 {
		r.addError("spinup_days", CodeInvalidEnum, "spinup days must not be negative")
	}
	return ok
}

func checkDates(r *Result, cfg simulation.Configuration) (int, bool) {
	if strings.TrimSpace(cfg.StartDate) == "" {
		r.addError("start_date", CodeRequired, "start date is required")
	}
	if strings.TrimSpace(cfg.EndDate) == "" {
		r.addError("end_date", CodeRequired, "end date is required")
	}
	if strings.TrimSpace(cfg.StartDate) == "" || strings.TrimSpace(cfg.EndDate) == "" {
		return 0, false
	}

	start, end, err := cfg.Dates()
	if err != nil {
		field := "start_date"
		if strings.Contains(err.Error(), "end_date") {
			field = "end_date"
		}
		r.addError(field, CodeInvalidDate, "dates must use YYYY-MM-DD: %v", err)
		return 0, false
	}
	if !end.After(start) {
		r.addError("end_date", CodeDateOrder, "end date %s must be after start date %s", cfg.EndDate, cfg.StartDate)
		return 0, false
	}
	return cfg.SimulationDays(), true
}

func checkDuration(r *Result, days int) {
	if days < simulation.MinDurationDays || days > simulation.MaxDurationDays {
		r.addError("end_date", CodeDuration, "duration of %d days is outside [%d, %d]",
			days, simulation.MinDurationDays, simulation.MaxDurationDays)
	}
}

func checkNodes(r *Result, cfg simulation.Configuration) {
	if !cfg.SimulationType.MultiNode() {
		if cfg.Nodes > 1 {
			r.addWarning("nodes", CodeNodes, "%s runs on a single node; nodes=%d is ignored", cfg.SimulationType, cfg.Nodes)
		}
		return
	}
	if cfg.Nodes < 1 {
		r.addError("nodes", CodeNodes, "node count must be at least 1")
		return
	}
	if cfg.Nodes > simulation.MaxNodes {
		r.addError("nodes", CodeNodes, "node count %d exceeds the maximum of %d", cfg.Nodes, simulation.MaxNodes)
	}
}

func checkResources(r *Result, cfg simulation.Configuration) {
	units := cfg.ResourceUnits()
	if units > simulation.MaxResourceUnits {
		r.addError("instance_size", CodeResourceLimit,
			"estimated resources %.0f units (instance x nodes x resolution multiplier) exceed the ceiling of %d",
			units, simulation.MaxResourceUnits)
	}
}

func (v *Validator) checkQuota(ctx context.Context, r *Result, userID string) {
	if v.counter == nil || v.maxQuota < 0 || userID == "" {
		return
	}
	active, err := v.counter.Query(ctx, userID, jobstore.Filter{ActiveOnly: true})
	if err != nil {
		v.logger.Warn("Quota check unavailable", zap.String("user_id", userID), zap.Error(err))
		r.addWarning("", CodeQuotaUnknown, "could not verify active-job quota: %v", err)
		return
	}
	if len(active) >= v.maxQuota {
		r.addError("", CodeQuota, "user has %d active simulations; the limit is %d", len(active), v.maxQuota)
	}
}

func recommend(r *Result, cfg simulation.Configuration, days int) {
	cls := cfg.Class()
	fam := cfg.Family()

	if fam == simulation.FamilyX8664 {
		r.Recommendations = append(r.Recommendations,
			"graviton processors run this workload at a lower hourly cost")
	}
	if !cfg.UseSpot && days <= 30 {
		r.Recommendations = append(r.Recommendations,
			"short runs are good candidates for spot capacity (about 70% cheaper)")
	}
	if cfg.UseSpot && days > 90 {
		r.addWarning("use_spot", "spot_interruption",
			"long spot runs may be interrupted; consider on-demand capacity for %d simulated days", days)
	}
	if (cls == simulation.ClassFine || cls == simulation.ClassFinest) && strings.EqualFold(cfg.InstanceSize, "small") {
		r.addWarning("instance_size", "undersized",
			"%s resolution on a small instance is likely to exceed the runtime ceiling", cfg.Resolution)
	}
	if cfg.SimulationType == simulation.TypeGCHP && cls == simulation.ClassFinest && cfg.Nodes < 2 {
		r.Recommendations = append(r.Recommendations,
			"finest-resolution GCHP runs usually benefit from two or more nodes")
	}
	if cfg.SpinupDays == 0 && days > 365 {
		r.Recommendations = append(r.Recommendations,
			"multi-year runs normally include a spin-up period")
	}
	if cfg.OutputFrequency == simulation.FrequencyHourly && days > 30 {
		r.addWarning("output_frequency", "large_output",
			"hourly output over %d days produces a large volume of data", days)
	}
}
