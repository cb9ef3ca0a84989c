package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tohenk/bridgeui/internal/config"
)

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: validate | diff")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	case "diff":
		return configDiff(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var res config.ValidationResult
	cfg, err := config.Load(*configPath)
	if err != nil {
		res = config.ValidationResult{Errors: []string{err.Error()}}
	} else {
		res = config.Validate(cfg)
	}

	out := stdout
	code := 0
	if !res.OK {
		out = stderr
		code = 1
	}
	if *format == "text" {
		fmt.Fprintln(out, formatValidationText(res))
		return code
	}
	b, err := json.Marshal(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(out, string(b))
	return code
}

func formatValidationText(res config.ValidationResult) string {
	var b strings.Builder
	if res.OK {
		b.WriteString("ok")
	} else {
		b.WriteString("invalid")
	}
	for _, e := range res.Errors {
		b.WriteString("\nerror: ")
		b.WriteString(e)
	}
	for _, w := range res.Warnings {
		b.WriteString("\nwarning: ")
		b.WriteString(w)
	}
	return b.String()
}

// configDiff exits 1 when the two files differ, like diff(1).
func configDiff(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: bridgeui config diff <old> <new>")
		return 2
	}

	oldCfg, err := config.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	newCfg, err := config.Load(fs.Arg(1))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	plan := config.PlanReload(oldCfg, newCfg)
	if !plan.Changed() {
		return 0
	}
	for _, name := range plan.Hot {
		fmt.Fprintf(stdout, "hot     %s\n", name)
	}
	for _, name := range plan.Restart {
		fmt.Fprintf(stdout, "restart %s\n", name)
	}
	return 1
}
