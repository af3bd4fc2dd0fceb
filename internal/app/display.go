package app

import (
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// ForDisplay returns a copy of job with its metrics rounded for output. The
// stored record keeps full precision.
func ForDisplay(job *simulation.Job) *simulation.Job {
	if job == nil {
		return nil
	}
	out := *job
	out.Metrics = costmodel.Rounded(job.Metrics)
	return &out
}

// ForDisplayAll applies ForDisplay to each job. A nil slice renders as empty.
func ForDisplayAll(jobs []*simulation.Job) []*simulation.Job {
	out := make([]*simulation.Job, len(jobs))
	for i, job := range jobs {
		out[i] = ForDisplay(job)
	}
	return out
}

// ForDisplay returns a copy of s with the job rounded for output.
func (s *Submission) ForDisplay() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.Job = ForDisplay(s.Job)
	return &out
}
