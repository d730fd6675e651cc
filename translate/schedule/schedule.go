// Package schedule parses and evaluates piecewise-linear coefficient
// schedules used to weight the parallel, back-translation and denoising
// losses over the course of training.
package schedule

import (
	"strconv"
	"strings"

	"github.com/polyglot-mt/polyglot/translate"
)

// Checkpoint is one (step, value) point of a piecewise-linear schedule.
type Checkpoint struct {
	Step  int
	Value float64
}

// Schedule is an ordered list of checkpoints with strictly increasing steps.
// A nil Schedule means the coefficient is constant.
type Schedule []Checkpoint

// Parse parses a lambda coefficient configuration.
//
//	"3"                 constant 3.0, nil schedule
//	"0:1,1000:0"        starts at 1 and decreases linearly to 0 over the
//	                    first 1000 updates
//	"0:0,1000:0,2000:1" flat at 0 for 1000 updates, then linearly up to 1
//
// The initial value is the first checkpoint's value.
func Parse(s string) (float64, Schedule, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 1 && !strings.Contains(s, ":") {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, nil, translate.ConfigErrorf("invalid lambda config '%s': not a number", s)
		}
		return v, nil, nil
	}

	sched := make(Schedule, 0, len(parts))
	for _, part := range parts {
		kv := strings.Split(strings.TrimSpace(part), ":")
		if len(kv) != 2 {
			return 0, nil, translate.ConfigErrorf("invalid lambda config '%s': malformed pair '%s'", s, part)
		}
		step, err := strconv.Atoi(kv[0])
		if err != nil || step < 0 {
			return 0, nil, translate.ConfigErrorf("invalid lambda config '%s': step '%s' is not a non-negative integer", s, kv[0])
		}
		value, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return 0, nil, translate.ConfigErrorf("invalid lambda config '%s': value '%s' is not a number", s, kv[1])
		}
		if len(sched) > 0 && step <= sched[len(sched)-1].Step {
			return 0, nil, translate.ConfigErrorf("invalid lambda config '%s': steps must be strictly increasing", s)
		}
		sched = append(sched, Checkpoint{Step: step, Value: value})
	}
	if len(sched) < 2 {
		return 0, nil, translate.ConfigErrorf("invalid lambda config '%s': a schedule needs at least two checkpoints", s)
	}
	return sched[0].Value, sched, nil
}

// MustParse ...
func MustParse(s string) (float64, Schedule) {
	v, sched, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v, sched
}

// ValueAt evaluates the schedule at the given update count: the first
// checkpoint's value before the first step, the last checkpoint's value at or
// beyond the last step, and linear interpolation in between.
func (s Schedule) ValueAt(step int) float64 {
	if len(s) == 0 {
		panic("ValueAt on a constant (nil) schedule")
	}
	if step <= s[0].Step {
		return s[0].Value
	}
	last := s[len(s)-1]
	if step >= last.Step {
		return last.Value
	}
	for i := 0; i < len(s)-1; i++ {
		a, b := s[i], s[i+1]
		if a.Step <= step && step < b.Step {
			return a.Value + float64(step-a.Step)*(b.Value-a.Value)/float64(b.Step-a.Step)
		}
	}
	return last.Value
}
