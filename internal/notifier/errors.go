package notifier

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageFetch   Stage = "fetch"
	StageRender  Stage = "render"
	StageDeliver Stage = "deliver"
	StageStore   Stage = "store"
)

// ErrPanic marks a cycle that was cut short by a recovered panic.
var ErrPanic = errors.New("panic during delivery cycle")

// CycleError says where a cycle stopped. ItemID is empty for fetch failures.
type CycleError struct {
	Stage  Stage
	ItemID string
	Err    error
}

func (e *CycleError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("%s item %q: %v", e.Stage, e.ItemID, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded in err, or "" when err is not a CycleError.
func StageOf(err error) Stage {
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		return cycleErr.Stage
	}

	return ""
}
