// ncsdecomp - recovers subroutine prototypes and statement trees from
// compiled scripts
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/ncsdecomp/actions"
	"github.com/chazu/ncsdecomp/config"
	"github.com/chazu/ncsdecomp/decompiler"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/store"
)

var log = commonlog.GetLogger("ncsdecomp")

type settings struct {
	dump    bool
	proto   bool
	disasm  bool
	cached  bool
	opts    decompiler.Options
	catalog *actions.Catalog
	db      *store.Store
}

func main() {
	verbose := flag.Bool("v", false, "Verbose output (debug logging)")
	configDir := flag.String("config", ".", "Directory to search upward for "+config.FileName)
	catalogPath := flag.String("actions", "", "Action catalog merged over the built-in one (overrides config)")
	dbPath := flag.String("db", "", "SQLite result store (overrides config)")
	dump := flag.Bool("dump", true, "Print statement trees")
	proto := flag.Bool("proto", false, "Print subroutine prototypes")
	disasm := flag.Bool("disasm", false, "Print the instruction listing")
	cached := flag.Bool("cached", false, "Print stored results instead of decompiling when the store has them")
	metrics := flag.Bool("metrics", false, "Write metrics to stderr on exit")
	jobs := flag.Int("j", runtime.NumCPU(), "Programs decompiled in parallel")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ncsdecomp [options] paths...\n\n")
		fmt.Fprintf(os.Stderr, "Decompiles compiled scripts (.ncs) or CBOR-encoded programs.\n")
		fmt.Fprintf(os.Stderr, "Directories are searched recursively.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ncsdecomp script.ncs              # Print trees\n")
		fmt.Fprintf(os.Stderr, "  ncsdecomp -proto -dump=false ./   # Prototypes of every script below ./\n")
		fmt.Fprintf(os.Stderr, "  ncsdecomp -disasm -db out.db a.ncs  # Listing, and store the results\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verbosity := cfg.Logging.Verbosity
	if *verbose && verbosity < 2 {
		verbosity = 2
	}
	var logFile *string
	if f := cfg.Resolve(cfg.Logging.File); f != "" {
		logFile = &f
	}
	commonlog.Configure(verbosity, logFile)

	s := &settings{
		dump:   *dump,
		proto:  *proto,
		disasm: *disasm,
		cached: *cached,
		opts:   decompiler.FromConfig(cfg),
	}
	if *verbose {
		s.opts.Infer.Debug = true
		s.opts.Structure.Debug = true
	}

	reg := prometheus.NewRegistry()
	s.opts.Metrics = diag.NewMetrics(reg)

	s.catalog = actions.Default()
	cp := *catalogPath
	if cp == "" {
		cp = cfg.CatalogPath()
	}
	if cp != "" {
		extra, err := actions.Load(cp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		s.catalog.Merge(extra)
		log.Infof("loaded %d actions from %s", extra.Len(), cp)
	}

	db := *dbPath
	if db == "" {
		db = cfg.StorePath()
	}
	if db != "" {
		s.db, err = store.Open(db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.db.Close()
	}

	files, err := collect(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	outputs := make([]string, len(files))
	failures := make([]error, len(files))
	g, ctx := errgroup.WithContext(context.Background())
	if *jobs > 0 {
		g.SetLimit(*jobs)
	}
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := s.process(path)
			outputs[i] = out
			if errors.Is(err, errStore) {
				return err
			}
			failures[i] = err
			return nil
		})
	}
	groupErr := g.Wait()

	failed := 0
	for i, out := range outputs {
		os.Stdout.WriteString(out)
		if failures[i] != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", failures[i])
			failed++
		}
	}

	if *metrics {
		writeMetrics(reg)
	}
	if groupErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", groupErr)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

var errStore = errors.New("result store")

// process decompiles one file and returns its printed output.
func (s *settings) process(path string) (string, error) {
	prog, err := load(path)
	if err != nil {
		return "", err
	}

	var hash string
	if s.db != nil {
		if hash, err = store.Hash(prog); err != nil {
			return "", err
		}
		if s.cached {
			if out, err := s.stored(path, hash); err == nil {
				log.Infof("%s: using stored results", path)
				return out, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("%w: %v", errStore, err)
			}
		}
	}

	res, err := decompiler.Decompile(prog, s.catalog, s.opts)
	if err != nil {
		return "", err
	}

	if s.db != nil {
		run := store.Run{ID: res.Run, Program: hash, Name: path}
		if err := s.db.Save(run, res.Records()); err != nil {
			return "", fmt.Errorf("%w: %v", errStore, err)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s\n", path)
	if s.disasm {
		sb.WriteString(prog.DisassembleWithMarks(res.Index.Marks()))
		sb.WriteByte('\n')
	}
	if s.proto {
		for _, sub := range res.Subs {
			fmt.Fprintf(&sb, "%s;\n", sub.Signature.Prototype(""))
		}
		sb.WriteByte('\n')
	}
	if s.dump {
		for _, sub := range res.Subs {
			sb.WriteString(sub.Tree.Dump())
			sb.WriteByte('\n')
		}
	}
	if f := res.Failed(); len(f) > 0 {
		log.Warningf("%s: %d of %d subroutines could not be decompiled", path, len(f), len(res.Subs))
	}
	return sb.String(), nil
}

// stored renders the results kept for a program hash. Prototypes alone
// are read without decoding the stored trees.
func (s *settings) stored(path, hash string) (string, error) {
	run, err := s.db.LastRun(hash)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s (stored by run %s at %s)\n", path, run.ID, run.Created.Format(time.RFC3339))

	if !s.dump {
		if s.proto {
			protos, err := s.db.Prototypes(hash)
			if err != nil {
				return "", err
			}
			subs := make([]int, 0, len(protos))
			for sub := range protos {
				subs = append(subs, sub)
			}
			sort.Ints(subs)
			for _, sub := range subs {
				fmt.Fprintf(&sb, "%s;\n", protos[sub])
			}
			sb.WriteByte('\n')
		}
		return sb.String(), nil
	}

	recs, err := s.db.Lookup(hash)
	if err != nil {
		return "", err
	}
	if s.proto {
		for _, r := range recs {
			fmt.Fprintf(&sb, "%s;\n", r.Prototype)
		}
		sb.WriteByte('\n')
	}
	for _, r := range recs {
		sb.WriteString(r.Dump)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// load reads a compiled script, or a CBOR program when the file lacks the
// compiled header.
func load(path string) (*bytecode.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if bytes.HasPrefix(data, bytecode.FileMagic) {
		return bytecode.Decode(filepath.Base(path), data)
	}
	prog, err := bytecode.UnmarshalProgram(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if prog.Name == "" {
		prog.Name = filepath.Base(path)
	}
	return prog, nil
}

// collect expands directories into the .ncs and .cbor files below them.
func collect(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".ncs", ".cbor":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func writeMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: gathering metrics: %v\n", err)
		return
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stderr, mf); err != nil {
			fmt.Fprintf(os.Stderr, "Error: writing metrics: %v\n", err)
			return
		}
	}
}
