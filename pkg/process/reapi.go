package process

import (
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/forgebuild/forge/pkg/digest"

	"google.golang.org/protobuf/types/known/durationpb"
)

// REAPICommand converts the process to the REAPI Command message
// uploaded alongside an Action.
func (p *Process) REAPICommand() *remoteexecution.Command {
	command := &remoteexecution.Command{
		Arguments:         p.Argv,
		WorkingDirectory:  p.WorkingDirectory,
		OutputFiles:       sortedCopy(p.OutputFiles),
		OutputDirectories: sortedCopy(p.OutputDirectories),
	}
	names := sortedKeys(p.Env)
	for _, name := range names {
		command.EnvironmentVariables = append(command.EnvironmentVariables, &remoteexecution.Command_EnvironmentVariable{
			Name:  name,
			Value: p.Env[name],
		})
	}
	if p.Execution.Platform != "" {
		command.Platform = &remoteexecution.Platform{
			Properties: []*remoteexecution.Platform_Property{{
				Name:  "platform",
				Value: p.Execution.Platform,
			}},
		}
	}
	headerNames := make([]string, 0, len(p.Execution.RemoteHeaders))
	for name := range p.Execution.RemoteHeaders {
		headerNames = append(headerNames, name)
	}
	sort.Strings(headerNames)
	for _, name := range headerNames {
		if command.Platform == nil {
			command.Platform = &remoteexecution.Platform{}
		}
		command.Platform.Properties = append(command.Platform.Properties, &remoteexecution.Platform_Property{
			Name:  name,
			Value: p.Execution.RemoteHeaders[name],
		})
	}
	return command
}

// REAPIAction converts the process to the REAPI Action message, given
// the digest of its uploaded Command.
func (p *Process) REAPIAction(commandDigest digest.Digest) *remoteexecution.Action {
	action := &remoteexecution.Action{
		CommandDigest:   commandDigest.ToProto(),
		InputRootDigest: p.InputDigest.Digest.ToProto(),
		DoNotCache:      !p.Scope.PersistsSuccess() || p.Scope.PerRestart(),
	}
	if p.Timeout > 0 {
		action.Timeout = durationpb.New(p.Timeout)
	}
	return action
}
