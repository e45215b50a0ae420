package verify

import (
	"errors"
	"fmt"

	"dev/bravebird/render-verify/pkg/models"
)

// Error kinds, one per failing stage. Match with errors.Is.
var (
	ErrLaunch   = errors.New("browser launch failed")
	ErrNavigate = errors.New("navigation failed")
	ErrNotReady = errors.New("ready selector never matched")
	ErrSettle   = errors.New("settle interrupted")
	ErrCapture  = errors.New("capture failed")
	ErrTeardown = errors.New("browser teardown failed")
)

// StepError reports which step of a run failed and why.
type StepError struct {
	Step models.Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

// Unwrap exposes both the step's kind and the underlying error.
func (e *StepError) Unwrap() []error {
	if kind := kindOf(e.Step); kind != nil {
		return []error{kind, e.Err}
	}
	return []error{e.Err}
}

func kindOf(step models.Step) error {
	switch step {
	case models.StepLaunch:
		return ErrLaunch
	case models.StepNavigate:
		return ErrNavigate
	case models.StepReady:
		return ErrNotReady
	case models.StepSettle:
		return ErrSettle
	case models.StepCapture:
		return ErrCapture
	case models.StepTeardown:
		return ErrTeardown
	}
	return nil
}

func stepErr(step models.Step, err error) error {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: step, Err: err}
}

// FailedStep returns the step recorded in err, or "" when err is not a
// StepError.
func FailedStep(err error) models.Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
