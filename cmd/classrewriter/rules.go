package main

import (
	"archive/zip"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
	"github.com/newrelic/newrelic-android-agent-sub003/transform"
)

// handleRulesCommand processes `classrewriter rules` and
// `classrewriter rules generate`.
func handleRulesCommand(c *cli, args []string) error {
	if len(args) > 0 && args[0] == "generate" {
		return handleRulesGenerate(c, args[1:])
	}

	flags := flag.NewFlagSet("rules", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	file := flags.String("file", "", "Rule file (default: configuration or built-in table)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	t, err := c.loadRules(*file)
	if err != nil {
		return err
	}
	for _, r := range t.Rules() {
		fmt.Fprintln(c.stdout, r)
	}
	fmt.Fprintf(c.stdout, "# %d rules, fingerprint %s\n", t.Len(), t.Fingerprint())
	return nil
}

func handleRulesGenerate(c *cli, args []string) error {
	flags := flag.NewFlagSet("rules generate", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	output := flags.String("o", "", "Output rule file (default: stdout)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("rules generate: no inputs given")
	}

	var classes []*classfile.Class
	for _, in := range flags.Args() {
		found, err := collectClasses(in)
		if err != nil {
			return fmt.Errorf("rules generate: %w", err)
		}
		classes = append(classes, found...)
	}

	t, err := rules.Generate(classes)
	if err != nil {
		return err
	}
	c.log.Infof("generated %d rules from %d classes", t.Len(), len(classes))

	if *output == "" {
		return t.WriteProperties(c.stdout)
	}
	f, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("rules generate: %w", err)
	}
	if err := t.WriteProperties(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// collectClasses parses the class files of a directory tree, an archive
// or a single class file.
func collectClasses(path string) ([]*classfile.Class, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var classes []*classfile.Class
	add := func(name string, data []byte) error {
		cls, err := classfile.Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		classes = append(classes, cls)
		return nil
	}

	switch {
	case info.IsDir():
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !transform.IsClass(p) {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return add(p, data)
		})
	case transform.IsArchive(path):
		var zr *zip.ReadCloser
		if zr, err = zip.OpenReader(path); err != nil {
			return nil, err
		}
		defer zr.Close()
		for _, f := range zr.File {
			if !transform.IsClass(f.Name) {
				continue
			}
			data, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			if err := add(f.Name, data); err != nil {
				return nil, err
			}
		}
	default:
		var data []byte
		if data, err = os.ReadFile(path); err == nil {
			err = add(path, data)
		}
	}
	return classes, err
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
