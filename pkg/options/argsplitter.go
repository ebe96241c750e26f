package options

import (
	"os"
	"path/filepath"
	"strings"
)

// Sentinel goal names emitted when argv contains no usable goal.
const (
	NoGoalName      = "__no_goal"
	UnknownGoalName = "__unknown_goal"
)

// GoalInfo describes one registered goal. Builtin goals (help, version)
// and auxiliary goals (long-running servers) claim the dedicated
// builtin-or-auxiliary slot instead of the ordinary goals list. Aliases
// are flag spellings like "-h" or "--help" that select the goal.
type GoalInfo struct {
	Name        string
	IsBuiltin   bool
	IsAuxiliary bool
	Aliases     []string
}

// Command is the result of partitioning argv.
type Command struct {
	// BuiltinOrAuxiliaryGoal is empty when a regular goal was given.
	BuiltinOrAuxiliaryGoal string
	Goals                  []string
	UnknownGoals           []string
	Specs                  []string
	Flags                  []Flag
	// Passthru is nil when no "--" separator was present. A trailing
	// bare "--" yields an empty non-nil slice.
	Passthru []string
}

var logLevelNames = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Characters that mark a token as a filesystem spec or target address.
const specChars = `/\.:*#`

// ArgSplitter partitions argv into goals, specs, flags and passthru
// args against a registry of known goals.
type ArgSplitter struct {
	buildRoot    string
	goalsByName  map[string]GoalInfo
	goalsByAlias map[string]GoalInfo
}

func NewArgSplitter(buildRoot string, knownGoals []GoalInfo) *ArgSplitter {
	byName := make(map[string]GoalInfo, len(knownGoals))
	byAlias := make(map[string]GoalInfo)
	for _, goal := range knownGoals {
		byName[goal.Name] = goal
		for _, alias := range goal.Aliases {
			byAlias[alias] = goal
		}
	}
	return &ArgSplitter{
		buildRoot:    buildRoot,
		goalsByName:  byName,
		goalsByAlias: byAlias,
	}
}

// looksLikeSpec reports whether a token reads as a path, glob or target
// address: either it contains a spec character, or it names something
// that exists under the build root.
func (s *ArgSplitter) looksLikeSpec(token string) bool {
	if strings.ContainsAny(token, specChars) {
		return true
	}
	_, err := os.Stat(filepath.Join(s.buildRoot, token))
	return err == nil
}

type splitState struct {
	command Command
	// True when the builtin-or-auxiliary slot holds an auxiliary goal,
	// which a later builtin goal may displace.
	slotIsAuxiliary bool
}

func (st *splitState) addGoal(goal GoalInfo) {
	if goal.IsBuiltin || goal.IsAuxiliary {
		if st.command.BuiltinOrAuxiliaryGoal == "" {
			st.command.BuiltinOrAuxiliaryGoal = goal.Name
			st.slotIsAuxiliary = goal.IsAuxiliary
			return
		}
		if st.slotIsAuxiliary && goal.IsBuiltin {
			st.command.Goals = append(st.command.Goals, st.command.BuiltinOrAuxiliaryGoal)
			st.command.BuiltinOrAuxiliaryGoal = goal.Name
			st.slotIsAuxiliary = false
			return
		}
	}
	st.command.Goals = append(st.command.Goals, goal.Name)
}

// SplitArgs partitions args (excluding the binary name). Goal name
// tokens set the scope context for subsequent flags; goal aliases and
// builtin selection do not.
func (s *ArgSplitter) SplitArgs(args []string) Command {
	var st splitState
	scope := GlobalScope
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			rest := args[i+1:]
			st.command.Passthru = make([]string, len(rest))
			copy(st.command.Passthru, rest)
			i = len(args)
		case strings.HasPrefix(arg, "--"):
			if goal, ok := s.goalsByAlias[arg]; ok {
				st.addGoal(goal)
				continue
			}
			key, value, hasValue := strings.Cut(arg, "=")
			flag := Flag{Context: scope, Key: key}
			if hasValue {
				flag.Value = &value
			}
			st.command.Flags = append(st.command.Flags, flag)
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			if goal, ok := s.goalsByAlias[arg]; ok {
				st.addGoal(goal)
				continue
			}
			if level := arg[2:]; arg[1] == 'l' && logLevelNames[level] {
				st.command.Flags = append(st.command.Flags, Flag{
					Context: scope,
					Key:     "-l",
					Value:   &level,
				})
				continue
			}
			// Anything else single-dashed is a negative spec.
			st.command.Specs = append(st.command.Specs, arg)
		default:
			if goal, ok := s.goalsByName[arg]; ok {
				st.addGoal(goal)
				scope = NamedScope(goal.Name)
			} else if s.looksLikeSpec(arg) {
				st.command.Specs = append(st.command.Specs, arg)
			} else {
				st.command.UnknownGoals = append(st.command.UnknownGoals, arg)
			}
		}
	}
	if st.command.BuiltinOrAuxiliaryGoal == "" {
		if len(st.command.UnknownGoals) > 0 {
			st.command.BuiltinOrAuxiliaryGoal = UnknownGoalName
		} else if len(st.command.Goals) == 0 {
			st.command.BuiltinOrAuxiliaryGoal = NoGoalName
		}
	}
	return st.command
}
