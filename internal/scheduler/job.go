package scheduler

import (
	"context"
	"sync"

	"github.com/imagevault/imagevault/internal/domain"
)

type Lane string

const (
	LaneHighPriority Lane = "high_priority"
	LaneBackground   Lane = "background"
)

// Job's result handle is completed exactly once and is meant to be awaited by
// a single caller.
type Job struct {
	AssetID         string
	AssetPath       string
	Transformations []domain.Transformation
	Bucket          string
	LQIPAlgorithms  []string

	once sync.Once
	done chan Result
}

type Result struct {
	Variants []domain.Variant
	Err      error
}

func NewJob(assetID, assetPath, bucket string, transformations []domain.Transformation, lqipAlgorithms []string) *Job {
	return &Job{
		AssetID:         assetID,
		AssetPath:       assetPath,
		Bucket:          bucket,
		Transformations: transformations,
		LQIPAlgorithms:  lqipAlgorithms,
		done:            make(chan Result, 1),
	}
}

func (j *Job) complete(r Result) {
	j.once.Do(func() {
		j.done <- r
	})
}

func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-j.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
