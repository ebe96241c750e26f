package options

import (
	"os"
	"path/filepath"

	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Files whose presence in a directory marks it as the build root.
var buildRootSentinels = []string{"pants", "BUILDROOT", "BUILD_ROOT"}

// FindBuildRoot walks upwards from startDir looking for a sentinel
// file. An empty startDir starts at the current working directory.
func FindBuildRoot(startDir string) (string, error) {
	if startDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", util.StatusWrap(err, "Failed to determine the current directory")
		}
		startDir = cwd
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", util.StatusWrapf(err, "Failed to make %#v absolute", startDir)
	}
	for {
		for _, sentinel := range buildRootSentinels {
			if _, err := os.Stat(filepath.Join(dir, sentinel)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", status.Errorf(codes.NotFound,
				"No build root detected: no %v file found walking up from %#v", buildRootSentinels, startDir)
		}
		dir = parent
	}
}

// DiscoverConfigSources determines the config files to use: the build
// root's pants.toml if it exists, overridden or extended by
// --pants-config-files / PANTS_CONFIG_FILES read through the given
// bootstrap parser.
func DiscoverConfigSources(buildRoot string, bootstrap *OptionParser) ([]ConfigSource, error) {
	var defaultPaths []string
	defaultConfig := filepath.Join(buildRoot, "pants.toml")
	if _, err := os.Stat(defaultConfig); err == nil {
		defaultPaths = append(defaultPaths, defaultConfig)
	}
	paths, err := bootstrap.GetStringList(ID(GlobalScope, "pants", "config", "files"), defaultPaths)
	if err != nil {
		return nil, err
	}
	sources := make([]ConfigSource, 0, len(paths))
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(buildRoot, path)
		}
		source, err := ConfigSourceFromFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, nil
}
