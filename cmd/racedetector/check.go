// check.go implements the 'racedetector check' command.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"

	"github.com/kolkov/racecore/race"
)

// runtimeModule is the module path of the detector runtime.
const runtimeModule = "github.com/kolkov/racecore"

var (
	errNotRequired  = errors.New("module does not require the race detector runtime")
	errIncompatible = errors.New("incompatible runtime version")
)

// checkConfig holds the parsed arguments of the check command.
type checkConfig struct {
	goMod string
	abi   string
}

// moduleInfo is what check learned about the runtime dependency of a module.
type moduleInfo struct {
	// Module is the path of the checked module.
	Module string

	// Required is the runtime version in the require block.
	Required string

	// Replacement is the target of a replace directive for the runtime, with local
	// paths made absolute. Empty without a replace.
	Replacement string

	// Local reports whether the replacement is a directory on disk.
	Local bool
}

// checkCommand implements the 'racedetector check' command and returns the exit code.
//
// The command reads a go.mod (./go.mod by default), finds the required runtime version
// and any replace directive for it, and verifies the version is one this tool's runtime
// is compatible with. With -abi it also verifies an instrumentation ABI version.
//
// Example:
//
//	racedetector check
//	racedetector check -abi v1.0.0 ./service/go.mod
func checkCommand(w io.Writer, args []string) int {
	config, err := parseCheckArgs(args)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}

	info, err := inspectGoMod(config.goMod)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(w, "module:   %s\n", info.Module)
	fmt.Fprintf(w, "requires: %s %s\n", runtimeModule, info.Required)
	if info.Replacement != "" {
		fmt.Fprintf(w, "replaced: %s\n", info.Replacement)
	}
	fmt.Fprintf(w, "runtime:  v%s (ABI %s)\n", race.Version, race.ABIVersion)

	if err := verify(info, config.abi); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(w, "FAIL: %v\n", e)
		}
		return 1
	}
	fmt.Fprintln(w, "OK")
	return 0
}

// parseCheckArgs parses the check command line.
func parseCheckArgs(args []string) (*checkConfig, error) {
	config := &checkConfig{goMod: "go.mod"}

	positional := 0
	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch {
		case arg == "-abi":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-abi flag requires an argument")
			}
			i++
			config.abi = args[i]
		case strings.HasPrefix(arg, "-abi="):
			config.abi = strings.TrimPrefix(arg, "-abi=")
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unknown flag %s", arg)
		default:
			positional++
			if positional > 1 {
				return nil, fmt.Errorf("too many arguments")
			}
			config.goMod = arg
		}
	}

	// A directory names the go.mod inside it.
	if st, err := os.Stat(config.goMod); err == nil && st.IsDir() {
		config.goMod = filepath.Join(config.goMod, "go.mod")
	}
	return config, nil
}

// inspectGoMod parses the go.mod at path and extracts its runtime dependency.
func inspectGoMod(path string) (*moduleInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, err
	}

	info := &moduleInfo{}
	if f.Module != nil {
		info.Module = f.Module.Mod.Path
	}
	for _, req := range f.Require {
		if req.Mod.Path == runtimeModule {
			info.Required = req.Mod.Version
			break
		}
	}
	if info.Required == "" {
		return nil, fmt.Errorf("%s: %w", path, errNotRequired)
	}

	for _, rep := range f.Replace {
		if rep.Old.Path != runtimeModule {
			continue
		}
		// A versioned replace applies only to that version.
		if rep.Old.Version != "" && rep.Old.Version != info.Required {
			continue
		}
		info.Replacement = rep.New.Path
		if rep.New.Version == "" && isLocalPath(rep.New.Path) {
			info.Local = true
			if !filepath.IsAbs(rep.New.Path) {
				if abs, err := filepath.Abs(filepath.Join(filepath.Dir(path), rep.New.Path)); err == nil {
					info.Replacement = abs
				}
			}
		} else if rep.New.Version != "" {
			info.Replacement += " " + rep.New.Version
		}
	}
	return info, nil
}

// verify checks the runtime version info pins against the runtime of this tool and, if
// abi is set, the instrumentation ABI. A local replacement is built from source and
// accepted at any version.
func verify(info *moduleInfo, abi string) error {
	var err error
	if !info.Local {
		err = multierr.Append(err, compatible(info.Required))
	}
	if abi != "" {
		err = multierr.Append(err, race.CheckABI(abi))
	}
	return err
}

// compatible reports whether a module pinned to runtime version v can be served by this
// runtime: v must share its major version and must not be newer.
func compatible(v string) error {
	current := "v" + race.Version
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid runtime version %q", v)
	}
	if semver.Major(v) != semver.Major(current) {
		return fmt.Errorf("%w: %s has major version %s, runtime is %s",
			errIncompatible, v, semver.Major(v), current)
	}
	if semver.Compare(v, current) > 0 {
		return fmt.Errorf("%w: %s is newer than runtime %s", errIncompatible, v, current)
	}
	return nil
}

// isLocalPath checks if a path is a local filesystem path (not a module path).
//
// Local paths start with ./, ../, /, or a drive letter on Windows.
func isLocalPath(path string) bool {
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return true
	}
	if filepath.IsAbs(path) {
		return true
	}
	// Windows drive letter check (e.g., C:\)
	if len(path) >= 2 && path[1] == ':' {
		return true
	}
	return false
}
