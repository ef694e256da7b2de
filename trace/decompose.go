package trace

import (
	"errors"
	"fmt"

	"github.com/0xPolygon/covtrace/types"
)

var (
	ErrInvariantViolation = errors.New("trace invariant violation")
	ErrUnexpectedDepth    = fmt.Errorf("%w: unexpected depth change", ErrInvariantViolation)
	ErrMissingCallTarget  = fmt.Errorf("%w: missing call target", ErrInvariantViolation)
)

// SubTrace holds the steps executed by a single call frame.
// Frames are numbered in the order they were entered, the top level frame is 0.
type SubTrace struct {
	Target Target `json:"target"`
	Frame  int    `json:"frame"`
	Parent int    `json:"parent"`
	Depth  int    `json:"depth"`

	Steps []ExecutionStep `json:"steps"`

	// Positions holds the index in the raw trace of every entry in Steps
	Positions []int `json:"positions"`

	// CreatedAddress is set on creation frames once the deployed address is known
	CreatedAddress *types.Address `json:"createdAddress,omitempty"`
}

// IsRoot reports whether the subtrace belongs to the top level frame
func (s *SubTrace) IsRoot() bool {
	return s.Frame == 0
}

func (s *SubTrace) String() string {
	return fmt.Sprintf("frame %d (%s, depth %d, %d steps)", s.Frame, s.Target, s.Depth, len(s.Steps))
}

func newFrame(target Target, id int, parent *SubTrace) *SubTrace {
	return &SubTrace{
		Target: target,
		Frame:  id,
		Parent: parent.Frame,
		Depth:  parent.Depth + 1,
	}
}

// Decompose splits the flat execution trace into one SubTrace per call frame.
// The top level frame executes top, which is NewContract for a deployment.
// Nested frames are pushed when a call or create opcode is followed by a step one level deeper
// and popped when execution returns to the parent depth. A call that does not enter
// a new frame, such as a transfer to an account without code or a create with empty init code,
// still yields an empty SubTrace.
// The steps of every SubTrace are disjoint and together cover the whole trace.
func Decompose(raw *RawTrace, top Target) ([]*SubTrace, error) {
	root := &SubTrace{Target: top, Parent: -1}
	subtraces := []*SubTrace{root}

	if raw == nil || len(raw.StructLogs) == 0 {
		return subtraces, nil
	}

	steps := raw.StructLogs
	base := steps[0].Depth
	frames := []*SubTrace{root}

	for i := range steps {
		step := &steps[i]
		current := frames[len(frames)-1]

		current.Steps = append(current.Steps, *step)
		current.Positions = append(current.Positions, i)

		if i == len(steps)-1 {
			break
		}

		depth, next := step.Depth-base, steps[i+1].Depth-base

		switch {
		case next == depth+1:
			target, err := enteredTarget(step)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}

			child := newFrame(target, len(subtraces), current)
			subtraces = append(subtraces, child)
			frames = append(frames, child)

		case next == depth:
			switch {
			case step.IsCreate():
				// empty init code deploys without entering a frame
				child := newFrame(NewContract, len(subtraces), current)
				if addr, ok := steps[i+1].stackTop(); ok && addr != types.ZeroAddress {
					child.CreatedAddress = &addr
				}

				subtraces = append(subtraces, child)

			case step.IsCall():
				addr, err := step.CallTarget()
				if err != nil {
					return nil, fmt.Errorf("step %d: %w", i, err)
				}

				subtraces = append(subtraces, newFrame(AddressTarget(addr), len(subtraces), current))
			}

		case next == depth-1 && len(frames) > 1:
			frames = frames[:len(frames)-1]

			if current.Target.Creation {
				// the parent resumes with the deployed address, or zero on failure, on the stack
				if addr, ok := steps[i+1].stackTop(); ok && addr != types.ZeroAddress {
					current.CreatedAddress = &addr
				}
			}

		default:
			return nil, fmt.Errorf("%w: step %d (%s at pc %d) moves from depth %d to %d",
				ErrUnexpectedDepth, i, step.Op, step.Pc, depth, next)
		}
	}

	return subtraces, nil
}

func enteredTarget(step *ExecutionStep) (Target, error) {
	switch {
	case step.IsCreate():
		return NewContract, nil
	case step.IsCall():
		addr, err := step.CallTarget()
		if err != nil {
			return Target{}, err
		}

		return AddressTarget(addr), nil
	default:
		return Target{}, fmt.Errorf("%w: %s at pc %d does not enter a new frame", ErrUnexpectedDepth, step.Op, step.Pc)
	}
}

// Reassemble merges subtraces back into the flat trace they were decomposed from
func Reassemble(subtraces []*SubTrace) ([]ExecutionStep, error) {
	total := 0
	for _, s := range subtraces {
		if len(s.Steps) != len(s.Positions) {
			return nil, fmt.Errorf("%w: %s has %d steps and %d positions",
				ErrInvariantViolation, s, len(s.Steps), len(s.Positions))
		}

		total += len(s.Steps)
	}

	steps := make([]ExecutionStep, total)
	seen := make([]bool, total)

	for _, s := range subtraces {
		for i, pos := range s.Positions {
			if pos < 0 || pos >= total || seen[pos] {
				return nil, fmt.Errorf("%w: position %d of %s is out of range or duplicated",
					ErrInvariantViolation, pos, s)
			}

			seen[pos] = true
			steps[pos] = s.Steps[i]
		}
	}

	return steps, nil
}

// ByTarget groups subtraces by the code they executed, keeping frame order
func ByTarget(subtraces []*SubTrace) map[Target][]*SubTrace {
	res := make(map[Target][]*SubTrace)
	for _, s := range subtraces {
		res[s.Target] = append(res[s.Target], s)
	}

	return res
}
