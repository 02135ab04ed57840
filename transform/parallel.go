package transform

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// TransformDirectory transforms every file below dir. Class files are
// fed to the hierarchy first so frame merges know the whole tree. Paths
// are kept relative to the input root, or to dir when it lies outside.
func (t *Transformer) TransformDirectory(dir string) (bool, error) {
	if !t.contains(dir) {
		rooted := *t
		rooted.input = dir
		return rooted.TransformDirectory(dir)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("transform: %w", err)
	}

	if !t.identity && t.dispatcher != nil {
		for _, f := range files {
			if !IsClass(f) {
				continue
			}
			data, err := os.ReadFile(f)
			if err == nil {
				err = t.dispatcher.Learn(data)
			}
			if err != nil {
				t.log.Debugf("[ClassTransformer] Cannot read hierarchy of %s: %v", f, err)
			}
		}
	}
	return t.each(context.Background(), files)
}

// RunParallel transforms inputs with up to the configured number of
// workers. The first build halt cancels the remaining inputs.
func (t *Transformer) RunParallel(ctx context.Context, inputs []string) (bool, error) {
	return t.each(ctx, inputs)
}

func (t *Transformer) each(ctx context.Context, paths []string) (bool, error) {
	var wrote atomic.Bool
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := t.TransformFile(p)
			if ok {
				wrote.Store(true)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return wrote.Load(), err
}
