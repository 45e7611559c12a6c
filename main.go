package main

import (
	"errors"
	"flag"
	"os"

	"grimm.is/harborshield/cmd"
	"grimm.is/harborshield/internal/brand"
)

var printer = cmd.Printer

// commonFlags registers the flags every config-reading subcommand accepts.
func commonFlags(fs *flag.FlagSet) *cmd.Options {
	opts := &cmd.Options{}
	fs.StringVar(&opts.ConfigFile, "config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(&opts.ConfigFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Override the state directory")
	fs.StringVar(&opts.HealthListen, "health-listen", "", "Override the health endpoint address")
	return opts
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		// Run the daemon in the foreground; supervision is left to systemd.
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		opts := commonFlags(startFlags)
		startFlags.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
		startFlags.BoolVar(&opts.Debug, "d", false, "Enable debug logging (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*opts); err != nil {
			cmd.Fatal("Start failed", err)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		opts := commonFlags(statusFlags)
		asJSON := statusFlags.Bool("json", false, "Print the raw health report")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*opts, *asJSON); err != nil {
			os.Exit(1)
		}

	case "show":
		showFlags := flag.NewFlagSet("show", flag.ExitOnError)
		opts := commonFlags(showFlags)
		history := showFlags.Int("history", 0, "Also list this many past generations")
		showFlags.Parse(os.Args[2:])

		if err := cmd.RunShow(*opts, *history); err != nil {
			cmd.Fatal("Show failed", err)
		}

	case "plan":
		planFlags := flag.NewFlagSet("plan", flag.ExitOnError)
		opts := commonFlags(planFlags)
		showOps := planFlags.Bool("ops", false, "Also print the nft batch the delta would stage")
		planFlags.Parse(os.Args[2:])

		err := cmd.RunPlan(*opts, *showOps)
		switch {
		case errors.Is(err, cmd.ErrChangesPending):
			os.Exit(2)
		case err != nil:
			cmd.Fatal("Plan failed", err)
		}

	case "config":
		configFlags := flag.NewFlagSet("config", flag.ExitOnError)
		opts := commonFlags(configFlags)
		configFlags.Parse(os.Args[2:])

		if err := cmd.RunConfig(*opts); err != nil {
			cmd.Fatal("Config failed", err)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Fprintf(os.Stderr, "%s - %s\n\n", brand.Name, brand.Description)
	printer.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", brand.LowerName)
	printer.Fprintln(os.Stderr, "Commands:")
	printer.Fprintln(os.Stderr, "  start     Run the reconciliation daemon in the foreground")
	printer.Fprintln(os.Stderr, "  status    Query the running daemon's health")
	printer.Fprintln(os.Stderr, "  show      Print the last applied ruleset")
	printer.Fprintln(os.Stderr, "  plan      Compile the ruleset for the running containers and diff it")
	printer.Fprintln(os.Stderr, "  config    Print the effective configuration")
	printer.Fprintln(os.Stderr, "  version   Print version information")
	printer.Fprintln(os.Stderr)
	printer.Fprintf(os.Stderr, "Run '%s <command> -h' for command flags.\n", brand.LowerName)
}
