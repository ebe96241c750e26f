package process

import (
	"fmt"
	"sort"
	"strings"
)

// ExecutionStrategy selects the mechanism through which a process is
// executed.
type ExecutionStrategy int

const (
	// StrategyLocal executes the process in a sandbox directory on
	// the local machine.
	StrategyLocal ExecutionStrategy = iota
	// StrategyDocker executes the process inside a container image.
	StrategyDocker
	// StrategyRemoteExecution submits the process to an REAPI
	// execution service.
	StrategyRemoteExecution
)

func (s ExecutionStrategy) String() string {
	switch s {
	case StrategyLocal:
		return "local"
	case StrategyDocker:
		return "docker"
	case StrategyRemoteExecution:
		return "remote_execution"
	default:
		return "unknown"
	}
}

// ExecutionEnvironment describes where a process runs. Two processes
// with identical inputs but different environments have different
// canonical digests.
type ExecutionEnvironment struct {
	// Name is the user-visible environment name.
	Name string
	// Strategy selects the execution mechanism.
	Strategy ExecutionStrategy
	// Platform is the target platform identifier
	// (e.g. "linux_x86_64").
	Platform string
	// DockerImage is set when Strategy is StrategyDocker.
	DockerImage string
	// RemoteAddress and RemoteHeaders are set when Strategy is
	// StrategyRemoteExecution.
	RemoteAddress string
	RemoteHeaders map[string]string
}

// SupportsInteractive returns whether processes in this environment
// may bind the caller's console. Only local execution can.
func (e *ExecutionEnvironment) SupportsInteractive() bool {
	return e.Strategy == StrategyLocal
}

// Descriptor returns a stable string encoding of the environment for
// inclusion in canonical process digests.
func (e *ExecutionEnvironment) Descriptor() string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s;strategy=%s;platform=%s", e.Name, e.Strategy, e.Platform)
	switch e.Strategy {
	case StrategyDocker:
		fmt.Fprintf(&b, ";image=%s", e.DockerImage)
	case StrategyRemoteExecution:
		fmt.Fprintf(&b, ";address=%s", e.RemoteAddress)
		headers := make([]string, 0, len(e.RemoteHeaders))
		for key, value := range e.RemoteHeaders {
			headers = append(headers, key+"="+value)
		}
		sort.Strings(headers)
		for _, h := range headers {
			fmt.Fprintf(&b, ";header=%s", h)
		}
	}
	return b.String()
}
