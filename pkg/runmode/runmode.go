// Package runmode names the run modes the host application can be in.
// It exists only so pkg/log can pick an encoder without importing the host's
// own configuration package.
package runmode

const (
	// Dev selects human-friendly console development logging.
	Dev = "development"

	// Prod selects JSON production logging.
	Prod = "production"
)
