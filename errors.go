package polestar

import (
	"errors"
	"fmt"
)

// CyclicDependencyError is thrown from a module's require() when the
// resolved request points back at the requiring module itself.
type CyclicDependencyError struct {
	ID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("polestar: cyclic dependency on self: %s", e.ID)
}

// UnresolvableError is thrown from a module's require() when a dynamic
// import (a request first seen during execution, not during prepare)
// fails to resolve or fetch.
type UnresolvableError struct {
	Request  string
	ParentID string
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("polestar: unresolvable request %q from %s", e.Request, e.ParentID)
}

// alreadyLoadedError is returned by ModuleWrapper.execute when a wrapper
// is asked to execute a second time.
type alreadyLoadedError struct {
	ID string
}

func (e *alreadyLoadedError) Error() string {
	return fmt.Sprintf("polestar: module %s already executed", e.ID)
}

func isAlreadyLoaded(err error) bool {
	var already *alreadyLoadedError
	return errors.As(err, &already)
}
