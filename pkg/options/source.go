package options

import (
	"errors"

	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Source is one provider of option values, such as command line
// flags, the environment, or a config file. Scalar getters return
// found == false when the source has no value for the id. List and
// dict getters return a nil slice when the source contributes no
// edits.
type Source interface {
	// Display renders the id the way it would be supplied to this
	// source, for use in error messages.
	Display(id OptionID) string

	GetString(id OptionID) (string, bool, error)
	GetBool(id OptionID) (bool, bool, error)
	GetInt(id OptionID) (int64, bool, error)
	GetFloat(id OptionID) (float64, bool, error)

	GetBoolList(id OptionID) ([]ListEdit[bool], error)
	GetIntList(id OptionID) ([]ListEdit[int64], error)
	GetFloatList(id OptionID) ([]ListEdit[float64], error)
	GetStringList(id OptionID) ([]ListEdit[string], error)
	GetDict(id OptionID) ([]DictEdit, error)
}

// renderSourceError attaches the source-specific display name of the
// option to a parse failure.
func renderSourceError(err error, display string) error {
	var perr *ParseError
	if errors.As(err, &perr) {
		return status.Error(codes.InvalidArgument, perr.Render(display))
	}
	return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to parse %s", display)
}

// parseFloatOrInt accepts a float literal or an int literal coerced to
// float.
func parseFloatOrInt(value string) (float64, error) {
	f, err := ParseFloat(value)
	if err == nil {
		return f, nil
	}
	if i, ierr := ParseInt(value); ierr == nil {
		return float64(i), nil
	}
	return 0, err
}
