// Package chaos implements a chaos injection decorator: a pass-through
// wrapper around a lease.Backend that consults a decision policy per
// operation and, when it decides to inject, runs a fault strategy.
// Decision policies and fault strategies are both tagged-union families,
// with no runtime reflection: just small interfaces plus construction-time
// validation and a token-bucket fault-rate cap.
package chaos

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

// structValidator checks the scalar, tag-expressible fields of Config,
// used directly against a plain struct rather than through HTTP binding.
var structValidator = validator.New()

// Operation names the four lifecycle calls a Backend exposes.
type Operation string

const (
	OpAcquire Operation = "acquire"
	OpRenew   Operation = "renew"
	OpRelease Operation = "release"
	OpBreak   Operation = "break"
)

// OperationConfig overrides the global policy/enablement for one
// operation. A nil Policy means "use Config.DefaultPolicy".
type OperationConfig struct {
	Enabled           *bool
	Policy            Policy
	LeaseNamePatterns []string
	Conditions        []func(ctx *FaultContext) bool
}

// Config is the construction-time configuration for a chaos-wrapped
// Backend.
type Config struct {
	// Enabled is the global kill-switch; false disables all injection
	// regardless of per-operation settings.
	Enabled bool

	// DefaultPolicy is used for any operation without its own override.
	DefaultPolicy Policy

	// PerOperation overrides enablement/policy per operation.
	PerOperation map[Operation]OperationConfig

	// MaxFaultRate limits injected faults, across all operations, to a
	// refill rate of MaxFaultRate per RateLimitWindow. It is enforced by a
	// token bucket holding up to MaxFaultRate+1 faults, not by a sliding
	// window: after an idle period a burst of up to MaxFaultRate+1 faults
	// passes at once, so more than MaxFaultRate faults can fall within a
	// single window. Zero disables the cap.
	MaxFaultRate float64 `validate:"gte=0"`

	// RateLimitWindow is the period MaxFaultRate's refill rate is
	// expressed over; zero means one second.
	RateLimitWindow time.Duration `validate:"gte=0"`

	// FailFastOnConfigErrors runs Validate at construction and returns
	// an error instead of proceeding with a misconfigured decorator.
	FailFastOnConfigErrors bool

	// GlobalMetadata and EnvironmentTags are attached to every
	// FaultContext built by this decorator.
	GlobalMetadata   map[string]string
	EnvironmentTags  []string

	// ProviderName is an opaque label attached to every FaultContext for
	// telemetry; it identifies which backend instance is decorated.
	ProviderName string
}

// Validate enumerates configuration errors (construction-blocking when
// FailFastOnConfigErrors is set) and warnings (informational). It never
// mutates Config.
func (c Config) Validate() (errs error, warnings []string) {
	seen := make(map[string]struct{})

	if err := structValidator.Struct(c); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.DefaultPolicy != nil {
		if err := c.DefaultPolicy.validate(); err != nil {
			errs = multierr.Append(errs, err)
		}
		name := c.DefaultPolicy.Name()
		seen[name] = struct{}{}
	}

	for op, oc := range c.PerOperation {
		if oc.Policy == nil {
			continue
		}
		if err := oc.Policy.validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("operation %q: %w", op, err))
		}
		name := string(op) + ":" + oc.Policy.Name()
		if _, dup := seen[name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("operation %q: duplicate policy name %q", op, oc.Policy.Name()))
		}
		seen[name] = struct{}{}
	}

	if c.MaxFaultRate > 1000 {
		warnings = append(warnings, fmt.Sprintf("max_fault_rate %f is unusually large", c.MaxFaultRate))
	}
	if !c.Enabled {
		warnings = append(warnings, "chaos is globally disabled")
	}
	if c.DefaultPolicy == nil && len(c.PerOperation) == 0 {
		warnings = append(warnings, "no policies configured; decorator is a pure pass-through")
	}

	return errs, warnings
}

// resolve returns the effective enablement and policy for an operation,
// applying per-operation overrides over the global default.
func (c Config) resolve(op Operation) (enabled bool, policy Policy) {
	enabled = c.Enabled
	policy = c.DefaultPolicy

	if oc, ok := c.PerOperation[op]; ok {
		if oc.Enabled != nil {
			enabled = *oc.Enabled
		}
		if oc.Policy != nil {
			policy = oc.Policy
		}
	}
	return enabled, policy
}
