package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/module"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Dir     string
	OutDir  string
	Mode    string
	Target  string
	SkipMap bool
}

// ErrCompileFailed is returned when at least one file did not compile.
var ErrCompileFailed = errors.New("compilation failed")

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <glob>...",
		Short: "Compile modules without running them",
		Long: `Compile every module matching the globs (relative to --dir, ** allowed)
into the define form the isolate evaluates.

Without --out-dir the output is printed. With it, each module is written
as <name>.js next to its source map, mirroring the source layout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Mode != "" {
				opts.Config.Compiler.Mode = opts.Mode
			}
			if opts.Target != "" {
				opts.Config.Compiler.Target = opts.Target
			}
			return runCompile(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Dir, "dir", "C", ".", "root directory of the sources")
	cmd.Flags().StringVarP(&opts.OutDir, "out-dir", "o", "", "write output here instead of printing it")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "compiler mode (transpile|script)")
	cmd.Flags().StringVar(&opts.Target, "target", "", "ECMAScript target, e.g. es2017")
	cmd.Flags().BoolVar(&opts.SkipMap, "no-source-map", false, "do not write source maps")

	return cmd
}

func runCompile(cmd *cobra.Command, opts *CompileOptions, patterns []string) error {
	logger := opts.Logger.Component("compile")
	fsys := os.DirFS(opts.Dir)

	files, err := expandGlobs(fsys, patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files match %s", strings.Join(patterns, " "))
	}

	resolver := module.NewResolver(module.NewFSLoader(fsys, ""), module.NewCache(), logger)
	compiler := module.NewCompiler(languageService(opts.Config.Compiler), logger, nil)

	failed := 0
	for _, name := range files {
		rec, err := resolver.Resolve(cmd.Context(), "file:///"+name, "")
		if err == nil {
			_, err = compiler.Compile(rec, false)
		}
		if err != nil {
			failed++
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			continue
		}
		if err := opts.emit(cmd, name, rec); err != nil {
			return err
		}
		logger.Debug("Compiled", zap.String("file", name))
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d file(s)", ErrCompileFailed, failed, len(files))
	}
	return nil
}

// expandGlobs returns the distinct files matching any pattern, sorted.
// Declaration files are skipped.
func expandGlobs(fsys fs.FS, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		p = strings.TrimPrefix(filepath.ToSlash(p), "./")
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			if seen[m] || strings.HasSuffix(m, ".d.ts") || strings.HasSuffix(m, ".map") {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (o *CompileOptions) emit(cmd *cobra.Command, name string, rec *module.Record) error {
	if o.OutDir == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "// %s\n%s\n", rec.OriginURL, rec.Compiled)
		return nil
	}

	out := filepath.Join(o.OutDir, filepath.FromSlash(strings.TrimSuffix(name, path.Ext(name))+".js"))
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(out, []byte(rec.Compiled), 0o644); err != nil {
		return err
	}
	if !o.SkipMap && rec.SourceMap != "" {
		if err := os.WriteFile(out+".map", []byte(rec.SourceMap), 0o644); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
