// ABOUTME: Error types reported when module source cannot be turned into tools
// ABOUTME: LoadError carries the failing stage and matches ErrModuleLoad via errors.Is

package loader

import (
	"errors"
	"fmt"
)

// ErrModuleLoad is matched by every load failure.
var ErrModuleLoad = errors.New("module load failed")

// Load stages reported in LoadError.Stage.
const (
	StageParse   = "parse"
	StageCompile = "compile"
	StageExecute = "execute"
	StageExtract = "extract"
	StageEmpty   = "empty"
	StageUnit    = "unit"
)

// LoadError describes why a module could not be loaded.
type LoadError struct {
	Module string
	Stage  string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading module %q (%s): %v", e.Module, e.Stage, e.Err)
}

// Unwrap exposes both ErrModuleLoad and the underlying cause.
func (e *LoadError) Unwrap() []error {
	return []error{ErrModuleLoad, e.Err}
}

func loadErr(module, stage string, err error) error {
	return &LoadError{Module: module, Stage: stage, Err: err}
}
