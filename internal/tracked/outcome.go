package tracked

import "fmt"

type outcomeKind int

const (
	outcomeFinished outcomeKind = iota
	outcomeNotFinished
	outcomeFailed
)

// Outcome is what a tracked function reports back to the runtime.
type Outcome struct {
	kind outcomeKind
	err  error
}

// Finished marks the task done.
func Finished() Outcome { return Outcome{kind: outcomeFinished} }

// NotFinished asks for the same invocation to be run again after the
// continue delay.
func NotFinished() Outcome { return Outcome{kind: outcomeNotFinished} }

// Failed discards the invocation's writes and schedules a retry.
func Failed(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("tracked: failed without an error")
	}
	return Outcome{kind: outcomeFailed, err: err}
}

// Err is the cause of a Failed outcome, nil otherwise.
func (o Outcome) Err() error { return o.err }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeFinished:
		return "finished"
	case outcomeNotFinished:
		return "not_finished"
	default:
		return "failed: " + o.err.Error()
	}
}
