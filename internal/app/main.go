package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "config":
		return configCmd(args[2:])
	case "status":
		return statusCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "bridgeui")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  bridgeui run [--config ./bridgeui.yaml] [--listen 127.0.0.1:8080] [--pid-file ./bridgeui.pid] [--watch] [--log-level info] [--dotenv ./.env] [--demo]")
	fmt.Fprintln(os.Stdout, "  bridgeui config validate [--config ./bridgeui.yaml] [--format json|text]")
	fmt.Fprintln(os.Stdout, "  bridgeui config diff <old> <new>")
	fmt.Fprintln(os.Stdout, "  bridgeui status --url http://127.0.0.1:8080 [--token T] [--json]")
	fmt.Fprintln(os.Stdout, "  bridgeui version [--long] [--json]")
}
