package main

import (
	"flag"
	"fmt"

	"github.com/nik9play/callroute/pkg/callroute"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging the jack sensor)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&configPath, "config", "", "path to config.toml (defaults to the working directory)")
}

func main() {
	flag.Parse()

	// first we need a logger
	logger, err := callroute.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// create the callroute instance
	d, err := callroute.NewCallRoute(logger, verbose, configPath)
	if err != nil {
		named.Fatalw("Failed to create callroute object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		d.SetVersion(versionString)
	}

	// onwards, to glory
	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize callroute", "error", err)
	}
}
