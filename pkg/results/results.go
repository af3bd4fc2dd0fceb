// Package results indexes the output artifacts of a successful simulation run.
//
// Indexing is best-effort. A listing failure is reported on the returned
// metadata (ResultsProcessed=false plus an error string) and never turns a
// successful run into a failed one.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
)

// Well-known object names under the output prefix.
const (
	ManifestName   = "manifest.json"
	RunSummaryName = "run_summary.json"
)

// RunSummary is the diagnostic file the container writes at the end of a run.
type RunSummary struct {
	WallTimeSeconds *float64 `json:"wall_time_seconds,omitempty"`
	CPUTimeSeconds  *float64 `json:"cpu_time_seconds,omitempty"`
	InstanceType    string   `json:"instance_type,omitempty"`
}

// CategoryStats aggregates one category.
type CategoryStats struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// FileEntry is one indexed artifact.
type FileEntry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	Category     Category  `json:"category"`
	LastModified time.Time `json:"last_modified"`
}

// Manifest is written beside the outputs.
type Manifest struct {
	UserID         string                     `json:"user_id"`
	SimulationID   string                     `json:"simulation_id"`
	OutputLocation string                     `json:"output_location"`
	GeneratedAt    time.Time                  `json:"generated_at"`
	FileCount      int                        `json:"file_count"`
	TotalSizeBytes int64                      `json:"total_size_bytes"`
	DataTypes      []string                   `json:"data_types"`
	Categories     map[Category]CategoryStats `json:"categories"`
	RunSummary     *RunSummary                `json:"run_summary,omitempty"`
	Files          []FileEntry                `json:"files"`
}

// Processor lists, categorizes and summarizes outputs.
type Processor struct {
	store       storage.Storage
	taxonomy    *Taxonomy
	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// DefaultCallTimeout bounds one storage call. A listing is one call.
const DefaultCallTimeout = 30 * time.Second

// Option configures a Processor.
type Option func(*Processor)

// WithTaxonomy replaces the default extension rules.
func WithTaxonomy(t *Taxonomy) Option {
	return func(p *Processor) { p.taxonomy = t }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor over store.
func New(store storage.Storage, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		store:       store,
		taxonomy:    defaultTaxonomy,
		callTimeout: DefaultCallTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OutputPrefix resolves the job's output locator to a key prefix. Jobs without
// an output path use the conventional simulation prefix.
func (p *Processor) OutputPrefix(job *simulation.Job) (string, error) {
	if job.OutputPath == "" {
		return storage.SimulationPrefix(job.UserID, job.SimulationID) + "output/", nil
	}
	prefix, err := storage.KeyFor(p.store, job.OutputPath)
	if err != nil {
		return "", err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix, nil
}

// Process indexes job outputs and writes the manifest.
//
// The returned metadata is always non-nil. The error, when set, is a
// RESULTS_INDEXING_ERROR describing why ResultsProcessed is false.
func (p *Processor) Process(ctx context.Context, job *simulation.Job) (*simulation.ResultMetadata, *Manifest, error) {
	meta := &simulation.ResultMetadata{ResultPath: job.OutputPath}

	prefix, err := p.OutputPrefix(job)
	if err != nil {
		return p.degrade(job, meta, "resolve output path", err)
	}
	if meta.ResultPath == "" {
		meta.ResultPath = p.store.Locator(prefix)
	}

	manifestKey := prefix + ManifestName
	m := &Manifest{
		UserID:         job.UserID,
		SimulationID:   job.SimulationID,
		OutputLocation: meta.ResultPath,
		Categories:     map[Category]CategoryStats{},
		Files:          []FileEntry{},
	}

	hasSummary := false
	listCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	err = storage.ListAll(listCtx, p.store, prefix, func(obj storage.Object) error {
		if obj.Key == manifestKey {
			return nil
		}
		if obj.Key == prefix+RunSummaryName {
			hasSummary = true
		}
		cat := p.taxonomy.Categorize(obj.Key)
		st := m.Categories[cat]
		st.Count++
		st.SizeBytes += obj.Size
		m.Categories[cat] = st
		m.FileCount++
		m.TotalSizeBytes += obj.Size
		m.Files = append(m.Files, FileEntry{Key: obj.Key, Size: obj.Size, Category: cat, LastModified: obj.LastModified})
		return nil
	})
	cancel()
	if err != nil {
		return p.degrade(job, meta, "list outputs", err)
	}

	for _, c := range Categories {
		if m.Categories[c].Count > 0 {
			m.DataTypes = append(m.DataTypes, string(c))
		}
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Key < m.Files[j].Key })

	if hasSummary {
		m.RunSummary = p.readSummary(ctx, job, prefix+RunSummaryName)
	}

	meta.FileCount = m.FileCount
	meta.TotalSizeBytes = m.TotalSizeBytes
	meta.DataTypes = append([]string(nil), m.DataTypes...)
	if m.RunSummary != nil {
		meta.WallTimeSeconds = m.RunSummary.WallTimeSeconds
		meta.CPUTimeSeconds = m.RunSummary.CPUTimeSeconds
	}

	m.GeneratedAt = p.now().UTC()
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return p.degrade(job, meta, "encode manifest", err)
	}
	putCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	err = p.store.Put(putCtx, manifestKey, body, "application/json")
	cancel()
	if err != nil {
		return p.degrade(job, meta, "write manifest", err)
	}
	meta.ManifestPath = p.store.Locator(manifestKey)
	meta.ResultsProcessed = true

	p.logger.Info("Results indexed",
		zap.String("simulation_id", job.SimulationID),
		zap.String("user_id", job.UserID),
		zap.Int("file_count", m.FileCount),
		zap.Int64("total_size_bytes", m.TotalSizeBytes),
		zap.Strings("data_types", m.DataTypes))
	return meta, m, nil
}

// readSummary parses the run summary. Any problem leaves timings unset.
func (p *Processor) readSummary(ctx context.Context, job *simulation.Job, key string) *RunSummary {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	data, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("Failed to read run summary",
				zap.String("simulation_id", job.SimulationID), zap.Error(err))
		}
		return nil
	}
	var s RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		p.logger.Warn("Ignoring malformed run summary",
			zap.String("simulation_id", job.SimulationID), zap.Error(err))
		return nil
	}
	return &s
}

func (p *Processor) degrade(job *simulation.Job, meta *simulation.ResultMetadata, step string, cause error) (*simulation.ResultMetadata, *Manifest, error) {
	meta.ResultsProcessed = false
	meta.ResultsError = fmt.Sprintf("%s: %v", step, cause)
	p.logger.Warn("Results indexing failed",
		zap.String("simulation_id", job.SimulationID),
		zap.String("user_id", job.UserID),
		zap.String("step", step),
		zap.Error(cause))
	return meta, nil, simulation.NewError(simulation.KindResultsIndexing, "process results", step, cause)
}
