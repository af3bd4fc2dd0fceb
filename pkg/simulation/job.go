// Package simulation defines the simulation job record, its configuration,
// the lifecycle status graph and the error taxonomy shared by every stage of
// the job lifecycle orchestrator.
//
// A Job is addressed by Key (userID, simulationID). The record is owned by the
// Metadata Store; stages never hold a Job across calls, they re-read it.
//
// NOTE: JSON field names are persisted by the metadata stores and are part of
// the stable record contract. Extend additively.
package simulation

import "time"

// Key identifies a simulation record.
type Key struct {
	UserID       string `json:"user_id"`
	SimulationID string `json:"simulation_id"`
}

// String returns "<user>/<simulation>" for logs and error messages.
func (k Key) String() string {
	return k.UserID + "/" + k.SimulationID
}

// Configuration is the user-supplied description of a simulation run.
//
// Multi-architecture and multi-node dispatch are expressed as fields on this
// single record; the selection functions in the catalog branch on them.
type Configuration struct {
	SimulationType  Type          `json:"simulation_type" yaml:"simulation_type"`
	Resolution      string        `json:"resolution" yaml:"resolution"`
	Chemistry       string        `json:"chemistry,omitempty" yaml:"chemistry,omitempty"`
	StartDate       string        `json:"start_date" yaml:"start_date"`
	EndDate         string        `json:"end_date" yaml:"end_date"`
	SpinupDays      int           `json:"spinup_days,omitempty" yaml:"spinup_days,omitempty"`
	OutputFrequency string        `json:"output_frequency,omitempty" yaml:"output_frequency,omitempty"`
	ProcessorType   ProcessorType `json:"processor_type" yaml:"processor_type"`
	InstanceSize    string        `json:"instance_size" yaml:"instance_size"`
	MemoryProfile   string        `json:"memory_profile,omitempty" yaml:"memory_profile,omitempty"`
	UseSpot         bool          `json:"use_spot" yaml:"use_spot"`
	Nodes           int           `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// ComputeHandle is present only after a successful dispatch.
type ComputeHandle struct {
	JobID         string `json:"job_id"`
	JobArn        string `json:"job_arn,omitempty"`
	Queue         string `json:"queue"`
	JobDefinition string `json:"job_definition"`
}

// WorkflowHandle is present only while an orchestrator instance is alive.
type WorkflowHandle struct {
	ExecutionID string `json:"execution_id"`
}

// ResourceMetrics is what the backend actually allocated.
type ResourceMetrics struct {
	VCPUs     int `json:"vcpus,omitempty"`
	MemoryMiB int `json:"memory_mib,omitempty"`
}

// RuntimeFacts are observed by the monitor from the compute backend.
type RuntimeFacts struct {
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	StoppedAt       *time.Time       `json:"stopped_at,omitempty"`
	RuntimeSeconds  *float64         `json:"runtime_seconds,omitempty"`
	ExitCode        *int             `json:"exit_code,omitempty"`
	ResourceMetrics *ResourceMetrics `json:"resource_metrics,omitempty"`
}

// ResultMetadata is written by the results processor on the success branch.
type ResultMetadata struct {
	ResultPath       string   `json:"result_path,omitempty"`
	ManifestPath     string   `json:"manifest_path,omitempty"`
	FileCount        int      `json:"file_count"`
	TotalSizeBytes   int64    `json:"total_size_bytes"`
	DataTypes        []string `json:"data_types,omitempty"`
	WallTimeSeconds  *float64 `json:"wall_time_seconds,omitempty"`
	CPUTimeSeconds   *float64 `json:"cpu_time_seconds,omitempty"`
	ResultsProcessed bool     `json:"results_processed"`
	ResultsError     string   `json:"results_error,omitempty"`
}

// Metrics are the cost and performance figures. EstimatedCost is set at
// submission; every other field is populated only on the success branch.
type Metrics struct {
	EstimatedCost        float64  `json:"estimated_cost"`
	ActualCost           *float64 `json:"actual_cost,omitempty"`
	ComputeCost          *float64 `json:"compute_cost,omitempty"`
	StorageCost          *float64 `json:"storage_cost,omitempty"`
	CostPerSimDay        *float64 `json:"cost_per_sim_day,omitempty"`
	ThroughputDaysPerDay *float64 `json:"throughput_days_per_day,omitempty"`
	HoursPerSimDay       *float64 `json:"hours_per_sim_day,omitempty"`
	CPUEfficiency        *float64 `json:"cpu_efficiency,omitempty"`
}

// Job is the persistent simulation record.
type Job struct {
	UserID        string        `json:"user_id"`
	SimulationID  string        `json:"simulation_id"`
	Name          string        `json:"name,omitempty"`
	Configuration Configuration `json:"configuration"`

	InputPath  string `json:"input_path,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`

	Compute  *ComputeHandle  `json:"compute,omitempty"`
	Workflow *WorkflowHandle `json:"workflow,omitempty"`

	Status        Status     `json:"status"`
	StatusDetails string     `json:"status_details,omitempty"`
	FailureKind   Kind       `json:"failure_kind,omitempty"`
	LastChecked   *time.Time `json:"last_checked,omitempty"`

	Runtime RuntimeFacts    `json:"runtime"`
	Results *ResultMetadata `json:"results,omitempty"`
	Metrics Metrics         `json:"metrics"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Version is bumped on every successful write; stores use it for
	// optimistic concurrency.
	Version int64 `json:"version"`
}

// Key returns the record key.
func (j *Job) Key() Key {
	return Key{UserID: j.UserID, SimulationID: j.SimulationID}
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Compute != nil {
		h := *j.Compute
		c.Compute = &h
	}
	if j.Workflow != nil {
		h := *j.Workflow
		c.Workflow = &h
	}
	if j.Results != nil {
		r := *j.Results
		r.DataTypes = append([]string(nil), j.Results.DataTypes...)
		c.Results = &r
	}
	if j.Runtime.ResourceMetrics != nil {
		m := *j.Runtime.ResourceMetrics
		c.Runtime.ResourceMetrics = &m
	}
	return &c
}
