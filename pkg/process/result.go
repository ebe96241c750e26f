package process

import (
	"time"

	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
)

// ResultSource records how a result was obtained.
type ResultSource int

const (
	// SourceRanLocally means the process executed on this machine.
	SourceRanLocally ResultSource = iota
	// SourceRanRemotely means the process executed on an REAPI
	// execution service.
	SourceRanRemotely
	// SourceHitLocally means the result came from the local result
	// cache.
	SourceHitLocally
	// SourceHitRemotely means the result came from a remote action
	// cache.
	SourceHitRemotely
)

func (s ResultSource) String() string {
	switch s {
	case SourceRanLocally:
		return "ran_locally"
	case SourceRanRemotely:
		return "ran_remotely"
	case SourceHitLocally:
		return "hit_locally"
	case SourceHitRemotely:
		return "hit_remotely"
	default:
		return "unknown"
	}
}

// ResultMetadata carries provenance and timing of a result.
type ResultMetadata struct {
	Source      ResultSource
	Environment string
	Elapsed     time.Duration
}

// FallibleResult is the outcome of running a process to completion,
// including non-zero exits. Infrastructure failures are reported as
// errors instead, never as results.
type FallibleResult struct {
	StdoutDigest    digest.Digest
	StderrDigest    digest.Digest
	ExitCode        int32
	OutputDirectory digesttrie.DirectoryDigest
	Metadata        ResultMetadata
}
