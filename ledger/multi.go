/*
multi.go - Named-step atomic writes

PURPOSE:
  Handlers express a commit as an ordered list of named steps. Run executes
  them inside one store transaction; the first failing step aborts the
  whole transaction and its name travels with the error, which is what the
  response mapping keys off.

EXAMPLE:
  m := NewMulti().
      Add(StepIdempotency, func(ctx context.Context, s Store) error { ... }).
      Add(StepNewCommand, func(ctx context.Context, s Store) error { ... })
  err := m.Run(ctx, txStore)
  var stepErr *StepError
  if errors.As(err, &stepErr) { ... stepErr.Step ... }

SEE ALSO:
  - errors.go: StepError and the step name constants
  - response.go: Mapping step errors onto the input shape
*/
package ledger

import (
	"context"
	"errors"
)

// Step is one named unit inside an atomic write.
type Step struct {
	Name string
	Run  func(ctx context.Context, s Store) error
}

// Multi is an ordered list of steps committed as one transaction.
type Multi struct {
	steps []Step
}

// NewMulti returns an empty step list.
func NewMulti() *Multi { return &Multi{} }

// Add appends a named step. Returns the multi for chaining.
func (m *Multi) Add(name string, run func(ctx context.Context, s Store) error) *Multi {
	m.steps = append(m.steps, Step{Name: name, Run: run})
	return m
}

// Extend appends all of other's steps. Returns the multi for chaining.
func (m *Multi) Extend(other *Multi) *Multi {
	m.steps = append(m.steps, other.steps...)
	return m
}

// Len reports the number of steps.
func (m *Multi) Len() int { return len(m.steps) }

// Run executes all steps inside one transaction on ts. The first failing
// step rolls everything back and is returned as a StepError carrying the
// step's name.
func (m *Multi) Run(ctx context.Context, ts TxStore) error {
	return ts.WithTx(ctx, func(s Store) error {
		return m.RunIn(ctx, s)
	})
}

// RunIn executes all steps against an already-open transaction scope. Used
// when a multi has to compose inside an outer transaction.
func (m *Multi) RunIn(ctx context.Context, s Store) error {
	for _, step := range m.steps {
		if err := step.Run(ctx, s); err != nil {
			return wrapStep(step.Name, err)
		}
	}
	return nil
}

// wrapStep attaches the step name, preserving an inner StepError (a nested
// multi already attributed the failure) and lifting a TransformError's code.
func wrapStep(name string, err error) error {
	var inner *StepError
	if errors.As(err, &inner) {
		return err
	}
	se := &StepError{Step: name, Err: err}
	var terr *TransformError
	if errors.As(err, &terr) {
		se.Code = terr.Code
	}
	return se
}
