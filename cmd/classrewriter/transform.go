package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/newrelic/newrelic-android-agent-sub003/cache"
	"github.com/newrelic/newrelic-android-agent-sub003/instrument"
	"github.com/newrelic/newrelic-android-agent-sub003/transform"
)

// handleTransformCommand processes the `classrewriter transform` subcommand.
// Usage:
//
//	classrewriter transform -o build/out build/classes
//	classrewriter transform -o out.jar --mode always app.jar
func handleTransformCommand(c *cli, args []string) error {
	fs := flag.NewFlagSet("transform", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	output := fs.String("o", "", "Output directory, or output archive for a single archive input")
	mode := fs.String("mode", c.config.Output.WriteMode, "Write mode: modified or always")
	explode := fs.Bool("explode", c.config.Output.ExplodeArchives, "Write archive members as files instead of rewriting archives")
	variant := fs.String("variant", c.config.Instrumentation.Variant, "Build variant")
	workers := fs.Int("j", c.config.Output.Workers, "Number of inputs transformed in parallel")
	identity := fs.Bool("identity", false, "Copy inputs without instrumenting them")
	rulesPath := fs.String("rules", "", "Rule file (default: configuration or built-in table)")
	noCache := fs.Bool("no-cache", false, "Ignore the incremental cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inputs := fs.Args()
	if len(inputs) == 0 {
		return errors.New("transform: no inputs given")
	}
	if *output == "" {
		return errors.New("transform: -o is required")
	}
	wm, err := transform.ParseWriteMode(*mode)
	if err != nil {
		return err
	}

	table, err := c.loadRules(*rulesPath)
	if err != nil {
		return err
	}

	opts := instrument.OptionsFromConfig(c.config)
	opts.Variant = strings.ToLower(*variant)

	var dopts []instrument.DispatcherOption
	var store *cache.Cache
	if c.config.Cache.Enabled && !*noCache && !*identity {
		store, err = cache.Open(commonlog.GetLogger("classrewriter.cache"), c.config.CachePath())
		if err != nil {
			c.log.Warningf("incremental cache disabled: %v", err)
		} else {
			defer store.Close()
			dopts = append(dopts, instrument.WithCache(store))
		}
	}

	d, err := instrument.NewDispatcher(commonlog.GetLogger("classrewriter.instrument"), table, opts, dopts...)
	if err != nil {
		return err
	}
	if store != nil {
		if _, err := store.Prune(d.Fingerprint()); err != nil {
			c.log.Warningf("%v", err)
		}
	}

	// A single directory input is the root that output paths are
	// relative to.
	root := ""
	if len(inputs) == 1 {
		if info, err := os.Stat(inputs[0]); err == nil && info.IsDir() {
			root = inputs[0]
		}
	}

	t := transform.New(commonlog.GetLogger("classrewriter.transform"), d, root, *output,
		transform.WithWriteMode(wm),
		transform.WithExplode(*explode),
		transform.WithIdentity(*identity),
		transform.WithTransformedBy(c.config.Output.TransformedBy),
		transform.WithWorkers(*workers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	wrote, err := t.RunParallel(ctx, inputs)
	if store != nil {
		s := store.Stats()
		c.log.Infof("cache: %d hits, %d misses, %d stored", s.Hits, s.Misses, s.Puts)
	}
	if err != nil {
		return err
	}
	if !wrote {
		fmt.Fprintln(c.stdout, "Nothing to write")
		return nil
	}
	fmt.Fprintf(c.stdout, "Wrote %s\n", *output)
	return nil
}
