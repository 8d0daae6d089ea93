// Package agent defines the boundary to the external automation agent.
// The agent itself (model calls, screen interaction) lives outside this
// process; phoned consumes it through the two contracts below.
package agent

import (
	"io"

	"github.com/harut0/phoned/internal/config"
)

// Agent executes one natural-language task synchronously. Run blocks
// until the agent finishes or fails, writing its diagnostic output to
// output as it goes. There is deliberately no context parameter: an
// in-flight run cannot be interrupted, which is why task stop in the
// relay is cooperative rather than preemptive.
type Agent interface {
	Run(task string, output io.Writer) (string, error)
}

// Factory constructs an agent from validated connection configuration.
// Construction must be safe to retry after a failure.
type Factory func(cfg config.AgentConfig) (Agent, error)
