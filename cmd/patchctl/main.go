// patchctl exercises the call-site patcher against a simulated code cache.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/patchpoint/config"
)

func main() {
	configDir := flag.String("config", "", "Directory containing patchpoint.toml (default: search upwards from .)")
	verbose := flag.Bool("v", false, "Verbose output (debug logging)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: patchctl [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Builds call sites in a simulated code cache and patches them.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  demo                              # Link, miss, redirect: one site of every shape\n")
		fmt.Fprintf(os.Stderr, "  stress -readers N -iterations M   # Patch a call while simulated cores run it\n")
		fmt.Fprintf(os.Stderr, "  journal <file>                    # Print the events of a CBOR journal\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	verbosity := cfg.Log.Verbosity
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, cfg.LogFile())

	args := flag.Args()
	switch args[0] {
	case "demo":
		err = handleDemoCommand(cfg)
	case "stress":
		err = handleStressCommand(cfg, args[1:])
	case "journal":
		err = handleJournalCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil || cfg != nil {
		return cfg, err
	}
	return config.Default(), nil
}
