// Package tvam is the table variable access method: heap storage whose
// contents survive the abort of the transaction that wrote them. It reuses
// the heap routine for everything but visibility, update checks and storage
// creation.
package tvam

import (
	"github.com/pkg/errors"

	"tvam/tableam"
)

// Name is the access method name table variables are created with.
const Name = "table_variable"

// ErrInternalConsistency is raised, by panic, when a tuple header reaches a
// state that rollback-insensitive storage can never produce.
var ErrInternalConsistency = errors.New("table variable access method internal consistency violation")

// Routine overrides the baseline heap routine's visibility, update and
// storage creation entries.
type Routine struct {
	*tableam.HeapRoutine

	xact  tableam.XactOracle
	multi tableam.MultiXactOracle
}

var _ tableam.Routine = (*Routine)(nil)

func New(env tableam.Env) *Routine {
	return &Routine{
		HeapRoutine: tableam.NewHeapRoutine(env),
		xact:        env.Xact,
		multi:       env.Multi,
	}
}

// Register adds the table variable access method to r.
func Register(r *tableam.Registry) error {
	return r.Register(Name, func(env tableam.Env) tableam.Routine {
		return New(env)
	})
}

func (r *Routine) Name() string {
	return Name
}
