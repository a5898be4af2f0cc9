package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/funkey/resync/internal/config"
	"github.com/funkey/resync/internal/logging"
	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/lines"
	"github.com/funkey/resync/pkg/models"
	"github.com/funkey/resync/pkg/tree"
)

// setup loads the configuration and initializes logging for a command.
func setup(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, *pflag.FlagSet, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if extra != nil {
		extra(flags)
	}
	cfg, err := config.Load(flags, args)
	if err != nil {
		return nil, nil, err
	}
	if err := initLogging(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

func cmdLs(ctx context.Context, args []string) error {
	cfg, flags, err := setup("ls", args, nil)
	if err != nil {
		return err
	}
	defer logging.Sync()

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	store, err := sess.scan()
	if err != nil {
		return err
	}
	start := "/"
	if flags.NArg() > 0 {
		start = flags.Arg(0)
	}
	return listTree(os.Stdout, store, start)
}

// listTree prints the path of every entry below start, folders with a
// trailing slash.
func listTree(w io.Writer, store *tree.Store, start string) error {
	top, err := store.FindByPath(start)
	if err != nil {
		return err
	}
	var werr error
	store.Walk(top, func(e *models.Entry) {
		if werr != nil || e == top {
			return
		}
		p := store.Path(e)
		if e.IsFolder() {
			p += "/"
		}
		_, werr = fmt.Fprintf(w, "%-40s  %-8s  %s\n", p, e.Kind, e.UID)
	})
	return werr
}

func cmdGet(ctx context.Context, args []string) error {
	cfg, flags, err := setup("get", args, nil)
	if err != nil {
		return err
	}
	defer logging.Sync()
	if flags.NArg() != 2 {
		return errors.New("usage: resync get <path> <file>")
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	store, err := sess.scan()
	if err != nil {
		return err
	}
	e, err := store.FindByPath(flags.Arg(0))
	if err != nil {
		return err
	}
	if !e.IsDocument() {
		return fmt.Errorf("%s is a folder", flags.Arg(0))
	}

	data, err := sess.renderer().Render(ctx, e)
	if err != nil {
		return err
	}
	if err := os.WriteFile(flags.Arg(1), data, 0o644); err != nil {
		return err
	}
	logging.L().Info("document written", logging.String("file", flags.Arg(1)), logging.Int("bytes", len(data)))
	return nil
}

type putOptions struct {
	recursive bool
	limit     int
	dryRun    bool
}

func cmdPut(ctx context.Context, args []string) error {
	var opts putOptions
	cfg, flags, err := setup("put", args, func(fs *pflag.FlagSet) {
		fs.BoolVarP(&opts.recursive, "recursive", "r", false, "search for PDFs recursively")
		fs.IntVarP(&opts.limit, "limit-newest", "l", 0, "copy only the n most recently modified PDFs")
		fs.BoolVar(&opts.dryRun, "dry-run", false, "list what would be copied without changing anything")
	})
	if err != nil {
		return err
	}
	defer logging.Sync()
	if flags.NArg() != 2 {
		return errors.New("usage: resync put [--recursive] [--limit-newest n] [--dry-run] <dir> <folder>")
	}
	log := logging.L()

	files, err := collectPDFs(flags.Arg(0), opts.recursive, opts.limit)
	if err != nil {
		return err
	}
	if opts.dryRun {
		log.Info("dry run, no changes will be made")
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	store, err := sess.scan()
	if err != nil {
		return err
	}
	folder, err := store.FindByPath(flags.Arg(1))
	if err != nil {
		return err
	}

	n, err := putPDFs(store, folder, files, opts.dryRun, log)
	if err != nil {
		return err
	}
	if opts.dryRun || n == 0 {
		return nil
	}
	if err := store.Sync(ctx); err != nil {
		return err
	}
	return sess.restart(ctx)
}

// collectPDFs lists the PDF files in dir, sorted by path. With limit > 0
// only the limit most recently modified files are kept, newest first.
func collectPDFs(dir string, recursive bool, limit int) ([]string, error) {
	type pdf struct {
		path  string
		mtime int64
	}
	var found []pdf

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(p), tree.DocumentExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		found = append(found, pdf{path: p, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
	if limit > 0 {
		sort.SliceStable(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })
		if len(found) > limit {
			found = found[:limit]
		}
	}

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// putPDFs creates one PDF entry in folder per file and stores the file's
// contents as its base document. It returns the number of entries created.
func putPDFs(store *tree.Store, folder *models.Entry, files []string, dryRun bool, log *zap.Logger) (int, error) {
	target := store.Path(folder)
	created := 0
	for _, file := range files {
		log.Info("copying", logging.String("file", file), logging.String("folder", target))
		if dryRun {
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return created, err
		}
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		e, err := store.Create(folder, name, models.KindPdf)
		if err != nil {
			return created, err
		}
		if err := store.WriteDocumentData(e, data); err != nil {
			return created, fmt.Errorf("copy %s: %w", file, err)
		}
		created++
	}
	return created, nil
}

func cmdLines(args []string) error {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: resync lines <file.rm>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return printLines(os.Stdout, data)
}

func printLines(w io.Writer, data []byte) error {
	doc, err := lines.Decode(data)
	if err != nil {
		return err
	}
	s := doc.Summary()
	fmt.Fprintf(w, "layers:   %d\nstrokes:  %d\nsegments: %d\n", s.Layers, s.Strokes, s.Segments)
	for i, l := range doc.Layers {
		fmt.Fprintf(w, "layer %d: %d strokes\n", i+1, len(l.Strokes))
	}
	return nil
}

func cmdFind(ctx context.Context, args []string) error {
	cfg, _, err := setup("find", args, nil)
	if err != nil {
		return err
	}
	defer logging.Sync()

	addr, err := client.Discover(ctx, clientConfig(cfg), logging.Named("find"))
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}
