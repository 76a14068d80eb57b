// Package pipeline turns statement documents into persisted transactions and
// drives a session's batch from parsing to its final report.
package pipeline

import (
	"context"
	"fmt"
)

// PipelineStep represents a single step in the document pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *DocumentState) error
}

// Pipeline executes a series of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all pipeline steps in sequence. The first failing step stops
// the pipeline.
func (p *Pipeline) Execute(ctx context.Context, state *DocumentState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
