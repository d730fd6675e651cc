package task

import (
	"github.com/polyglot-mt/polyglot/translate/schedule"
)

// TrainingState tracks the loss-mixing weights across optimizer updates. Each
// weight either stays at its initial value (constant schedule) or follows its
// piecewise-linear schedule as UpdateStep advances the step counter.
type TrainingState struct {
	step int

	lambdaParallel  float64
	lambdaOTFBT     float64
	lambdaDenoising float64

	parallelSteps  schedule.Schedule
	otfBTSteps     schedule.Schedule
	denoisingSteps schedule.Schedule
}

// NewTrainingState parses the three lambda configurations and returns the
// state positioned at step 0.
func NewTrainingState(cfg Config) (*TrainingState, error) {
	parallel, parallelSteps, err := schedule.Parse(cfg.LambdaParallelConfig)
	if err != nil {
		return nil, err
	}
	otfBT, otfBTSteps, err := schedule.Parse(cfg.LambdaOTFBTConfig)
	if err != nil {
		return nil, err
	}
	denoising, denoisingSteps, err := schedule.Parse(cfg.LambdaDenoisingConfig)
	if err != nil {
		return nil, err
	}

	return &TrainingState{
		lambdaParallel:  parallel,
		lambdaOTFBT:     otfBT,
		lambdaDenoising: denoising,
		parallelSteps:   parallelSteps,
		otfBTSteps:      otfBTSteps,
		denoisingSteps:  denoisingSteps,
	}, nil
}

// UpdateStep records that numUpdates optimizer updates have completed and
// refreshes every scheduled weight.
func (s *TrainingState) UpdateStep(numUpdates int) {
	s.step = numUpdates
	if s.parallelSteps != nil {
		s.lambdaParallel = s.parallelSteps.ValueAt(numUpdates)
	}
	if s.otfBTSteps != nil {
		s.lambdaOTFBT = s.otfBTSteps.ValueAt(numUpdates)
	}
	if s.denoisingSteps != nil {
		s.lambdaDenoising = s.denoisingSteps.ValueAt(numUpdates)
	}
}

// Step ...
func (s *TrainingState) Step() int { return s.step }

// LambdaParallel is the current weight of the supervised translation loss.
func (s *TrainingState) LambdaParallel() float64 { return s.lambdaParallel }

// LambdaOTFBT is the current weight of the on-the-fly back-translation loss.
func (s *TrainingState) LambdaOTFBT() float64 { return s.lambdaOTFBT }

// LambdaDenoising is the current weight of the denoising-autoencoding loss.
func (s *TrainingState) LambdaDenoising() float64 { return s.lambdaDenoising }

// ParallelPossible reports whether the supervised weight is or can become
// nonzero.
func (s *TrainingState) ParallelPossible() bool {
	return s.lambdaParallel > 0 || s.parallelSteps != nil
}

// OTFBTPossible reports whether the back-translation weight is or can become
// nonzero.
func (s *TrainingState) OTFBTPossible() bool {
	return s.lambdaOTFBT > 0 || s.otfBTSteps != nil
}

// DenoisingPossible reports whether the denoising weight is or can become
// nonzero.
func (s *TrainingState) DenoisingPossible() bool {
	return s.lambdaDenoising > 0 || s.denoisingSteps != nil
}
