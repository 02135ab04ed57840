package main

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// handleDumpCommand processes the `classrewriter dump` subcommand. The
// argument is a class file or an archive member written as
// archive.jar!path/to/Entry.class.
func handleDumpCommand(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("dump: expected one class file or archive!entry")
	}
	data, err := readClassArg(args[0])
	if err != nil {
		return err
	}
	cls, err := classfile.Parse(data)
	if err != nil {
		return fmt.Errorf("dump: %s: %w", args[0], err)
	}
	dumpClass(c.stdout, cls)
	return nil
}

func readClassArg(arg string) ([]byte, error) {
	archive, entry, ok := strings.Cut(arg, "!")
	if !ok {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("dump: %w", err)
		}
		return data, nil
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	defer zr.Close()

	entry = strings.TrimPrefix(entry, "/")
	for _, f := range zr.File {
		if f.Name != entry {
			continue
		}
		return readZipFile(f)
	}
	return nil, fmt.Errorf("dump: %s: no such entry", arg)
}

func dumpClass(w io.Writer, cls *classfile.Class) {
	fmt.Fprintf(w, "class %s", classfile.DottedName(cls.Name()))
	if super := cls.SuperName(); super != "" {
		fmt.Fprintf(w, " extends %s", classfile.DottedName(super))
	}
	if ifaces := cls.InterfaceNames(); len(ifaces) > 0 {
		dotted := make([]string, len(ifaces))
		for i, n := range ifaces {
			dotted[i] = classfile.DottedName(n)
		}
		fmt.Fprintf(w, " implements %s", strings.Join(dotted, ", "))
	}
	fmt.Fprintf(w, "\n  version %d.%d, access 0x%04x\n", cls.Major, cls.Minor, cls.Access)

	for _, f := range cls.Fields {
		fmt.Fprintf(w, "\n  field 0x%04x %s %s\n", f.Access, f.Name, f.Desc)
	}
	for _, m := range cls.Methods {
		fmt.Fprintf(w, "\n  method 0x%04x %s%s\n", m.Access, m.Name, m.Desc)
		attr := m.Attribute("Code")
		if attr == nil {
			continue
		}
		code, err := bytecode.Decode(cls.Pool, attr)
		if err != nil {
			fmt.Fprintf(w, "    ; undecodable: %v\n", err)
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(code.Disassemble(cls.Pool), "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}
