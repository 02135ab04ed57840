// classrewriter instruments compiled Android classes, directories and
// JAR/AAR archives with New Relic agent hooks.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/newrelic/newrelic-android-agent-sub003/config"
	"github.com/newrelic/newrelic-android-agent-sub003/instrument"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

// verbosity is a repeatable -v flag.
type verbosity int

func (v *verbosity) String() string { return strconv.Itoa(int(*v)) }

func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

// cli carries what the global flags resolved to.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	config *config.Config
	log    commonlog.Logger
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("classrewriter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var verbose verbosity
	fs.Var(&verbose, "v", "Verbose output (repeat for more)")
	configPath := fs.String("config", "", "Path to "+config.FileName+" (default: search upward from the working directory)")
	logFile := fs.String("log-file", "", "Write log output to this file")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: classrewriter [options] <command> [args]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  transform [-o out] [--mode modified|always] [--explode] [--variant v] [-j N] <inputs...>\n")
		fmt.Fprintf(stderr, "  dump <file.class|archive.jar!entry.class>\n")
		fmt.Fprintf(stderr, "  rules [--file path]\n")
		fmt.Fprintf(stderr, "  rules generate [-o file] <classes dir|jar...>\n")
		fmt.Fprintf(stderr, "  version\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "classrewriter %s\n", version)
		return 0
	}

	c := &cli{stdout: stdout, stderr: stderr}
	var err error
	if *configPath != "" {
		c.config, err = config.LoadFile(*configPath)
	} else {
		c.config, err = config.FindAndLoad(".")
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return 1
	}

	level := int(verbose)
	if level == 0 {
		level = c.config.Log.Verbosity
	}
	path := *logFile
	if path == "" {
		path = c.config.Log.File
	}
	if path != "" {
		commonlog.Configure(level, &path)
	} else {
		commonlog.Configure(level, nil)
	}
	c.log = commonlog.GetLogger("classrewriter")

	switch cmd {
	case "transform":
		err = handleTransformCommand(c, rest)
	case "dump":
		err = handleDumpCommand(c, rest)
	case "rules":
		err = handleRulesCommand(c, rest)
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}

	var halt *instrument.HaltError
	if errors.As(err, &halt) {
		c.log.Criticalf("%v", err)
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// loadRules returns the rule table named by path, the configuration or
// the built-in table, in that order.
func (c *cli) loadRules(path string) (*rules.Table, error) {
	opt := rules.WithLogRules(c.config.Rules.LogInstrumentation)
	if path == "" {
		path = c.config.RulesPath()
	}
	var (
		t   *rules.Table
		err error
	)
	if path == "" {
		path = "built-in table"
		t, err = rules.Default(opt)
	} else {
		t, err = rules.LoadFile(path, opt)
	}
	if err != nil {
		return nil, &instrument.HaltError{Reason: "cannot load rules from " + path, Err: err}
	}
	return t, nil
}
