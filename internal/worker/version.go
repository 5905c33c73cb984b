package worker

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// DefaultVersionConstraint covers every worker protocol release the console
// knows how to drive.
const DefaultVersionConstraint = ">= 1.0.0, < 2.0.0"

// CheckVersion validates a worker-reported protocol version against a semver
// constraint. An empty constraint falls back to DefaultVersionConstraint.
func CheckVersion(reported, constraint string) error {
	if constraint == "" {
		constraint = DefaultVersionConstraint
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("parse version constraint %q: %w", constraint, err)
	}

	v, err := semver.NewVersion(reported)
	if err != nil {
		return fmt.Errorf("parse worker version %q: %w", reported, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("worker version %s outside supported range %s", reported, constraint)
	}
	return nil
}
