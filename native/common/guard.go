package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module's mutating flows are currently halted.
type PauseView interface {
	IsPaused(module string) bool
}

// StaticPauses is a fixed PauseView assembled from configuration.
type StaticPauses map[string]bool

// IsPaused implements the PauseView interface.
func (p StaticPauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	return p[module]
}

// Guard returns ErrModulePaused when the named module is halted.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
