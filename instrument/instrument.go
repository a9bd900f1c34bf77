// Package instrument rewrites Go packages so that they report edge coverage
// to fuzzdep. It does not build anything: it writes instrumented copies of
// the sources plus an overlay file for `go build -overlay`.
package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"golang.org/x/tools/go/packages"

	"github.com/bradleyjkemp/fuzzexec/internal/log"
)

// HarnessDir is the directory, relative to the main module, where the
// generated harness main package appears in the overlay.
const HarnessDir = "fuzzexec_harness"

var (
	ErrNoFuzzdep = errors.New("target module does not depend on " + depPath)
	ErrNothing   = errors.New("no packages to instrument")
	// ErrReadOnlyDep means a package named in Options.Deps lives in the
	// module cache. go build -overlay cannot add an import to such a package,
	// so its module has to be replaced with a local copy first.
	ErrReadOnlyDep = errors.New("dependency is not in a local module")
)

type Options struct {
	// Patterns are go/packages patterns for the packages under test. Their
	// dependencies in the main module are instrumented too.
	Patterns []string
	// Deps are import path prefixes of packages outside the main module to
	// instrument as well. Their modules must be replaced with a local
	// directory.
	Deps []string
	// Dir is where packages are loaded from. Empty means the current directory.
	Dir string
	// OutDir receives the instrumented files and overlay.json. It should be
	// an absolute path; it is made absolute otherwise.
	OutDir string
	// Preserve lists import paths not to instrument.
	Preserve []string
	Fs       afero.Fs
	Logger   log.Logger
}

type Result struct {
	// Overlay is the path of the file to pass to go build -overlay.
	Overlay string
	// Harness is the import path of the generated main package, or empty
	// if no FuzzXxx functions were found.
	Harness   string
	Files     int
	Points    int
	FuzzFuncs []string
}

type overlayJSON struct {
	Replace map[string]string
}

// Run loads the packages named by opts.Patterns and writes instrumented
// copies of them to opts.OutDir.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Patterns) == 0 {
		return nil, errors.New("no packages given")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, err
	}

	targets, dep, err := load(ctx, opts)
	if err != nil {
		return nil, err
	}
	ignore := ignored(dep, opts.Preserve)

	res := &Result{Overlay: filepath.Join(outDir, "overlay.json")}
	overlay := overlayJSON{Replace: map[string]string{}}
	var fuzzPackages []string
	var failed []error
	packages.Visit(targets, nil, func(p *packages.Package) {
		if len(failed) > 0 || ignore[p.PkgPath] {
			return
		}
		ok, err := selected(p, opts.Deps)
		if err != nil {
			failed = append(failed, err)
			return
		}
		if !ok {
			return
		}
		funcs, err := instrumentPackage(opts, outDir, p, overlay.Replace, res)
		if err != nil {
			failed = append(failed, err)
			return
		}
		if len(funcs) > 0 {
			res.FuzzFuncs = append(res.FuzzFuncs, funcs...)
			fuzzPackages = append(fuzzPackages, p.PkgPath)
		}
	})
	if err := errors.Join(failed...); err != nil {
		return nil, err
	}
	if res.Files == 0 {
		return nil, ErrNothing
	}
	sort.Strings(res.FuzzFuncs)

	if len(fuzzPackages) > 0 {
		mod := mainModule(targets)
		if mod == nil {
			return nil, errors.New("fuzz functions found, but no main module to put the harness in")
		}
		sort.Strings(fuzzPackages)
		src := &bytes.Buffer{}
		if err := harnessTmpl.Execute(src, fuzzPackages); err != nil {
			return nil, fmt.Errorf("failed to execute harness template: %w", err)
		}
		out := filepath.Join(outDir, HarnessDir, "main.go")
		if err := writeFile(opts.Fs, out, src.Bytes()); err != nil {
			return nil, err
		}
		overlay.Replace[filepath.Join(mod.Dir, HarnessDir, "main.go")] = out
		res.Harness = path.Join(mod.Path, HarnessDir)
	}

	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error marshaling overlay: %w", err)
	}
	if err := writeFile(opts.Fs, res.Overlay, data); err != nil {
		return nil, err
	}
	opts.Logger.Info("instrumented", "files", res.Files, "points", res.Points, "fuzz_funcs", len(res.FuzzFuncs), "overlay", res.Overlay)
	return res, nil
}

// load type checks the targets and fuzzdep as seen from the target module.
func load(ctx context.Context, opts Options) (targets []*packages.Package, dep *packages.Package, err error) {
	cfg := &packages.Config{
		Context: ctx,
		Dir:     opts.Dir,
		Mode:    packages.LoadAllSyntax | packages.NeedModule,
		// Comments are needed for //go: directives.
		ParseFile: func(fset *token.FileSet, filename string, src []byte) (*ast.File, error) {
			return parser.ParseFile(fset, filename, src, parser.ParseComments)
		},
	}
	roots, err := packages.Load(cfg, append([]string{depPath}, opts.Patterns...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("could not load packages: %w", err)
	}

	var errs []error
	packages.Visit(roots, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			errs = append(errs, e)
		}
	})
	for _, p := range roots {
		if p.PkgPath == depPath {
			dep = p
			continue
		}
		targets = append(targets, p)
	}
	if dep == nil || len(dep.Errors) > 0 {
		return nil, nil, fmt.Errorf("%w; add it with go get", ErrNoFuzzdep)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, fmt.Errorf("typechecking failed: %w", err)
	}
	return targets, dep, nil
}

// ignored is fuzzdep with everything it imports, plus preserve. Instrumenting
// the bridge would make it report on itself.
func ignored(dep *packages.Package, preserve []string) map[string]bool {
	ignore := map[string]bool{}
	packages.Visit([]*packages.Package{dep}, func(p *packages.Package) bool {
		ignore[p.PkgPath] = true
		return true
	}, nil)
	for _, p := range preserve {
		if p = strings.TrimSpace(p); p != "" {
			ignore[p] = true
		}
	}
	return ignore
}

// selected reports whether p is to be instrumented: it is in the main module
// (or a workspace module), or it matches deps and its module is a local
// replacement.
func selected(p *packages.Package, deps []string) (bool, error) {
	if p.Module == nil {
		// Standard library.
		return false, nil
	}
	if p.Module.Main {
		return true, nil
	}
	if !matchesAny(p.PkgPath, deps) {
		return false, nil
	}
	if r := p.Module.Replace; r != nil && r.Version == "" {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s is in module %s@%s; replace it with a local copy to instrument it",
		ErrReadOnlyDep, p.PkgPath, p.Module.Path, p.Module.Version)
}

func matchesAny(pkgPath string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/...")
		if prefix == "" {
			continue
		}
		if pkgPath == prefix || strings.HasPrefix(pkgPath, prefix+"/") {
			return true
		}
	}
	return false
}

func instrumentPackage(opts Options, outDir string, p *packages.Package, replace map[string]string, res *Result) ([]string, error) {
	// Syntax is parsed from CompiledGoFiles. Files the compiler sees but the
	// user did not write (cgo output) are skipped.
	sources := map[string]bool{}
	for _, f := range p.GoFiles {
		sources[f] = true
	}
	var funcs []string
	for i, fullName := range p.CompiledGoFiles {
		if i >= len(p.Syntax) || !sources[fullName] || importsC(p.Syntax[i]) {
			continue
		}
		f := instrumentFile(p.Fset, fullName, p.Syntax[i])
		if p.Name != "main" && !strings.Contains(p.PkgPath, "/internal/") {
			// The harness cannot import main or foreign internal packages.
			funcs = append(funcs, f.registerFuzzFuncs(p.PkgPath)...)
		}

		buf := &bytes.Buffer{}
		if err := f.print(buf); err != nil {
			return nil, err
		}
		out := filepath.Join(outDir, filepath.FromSlash(p.PkgPath), filepath.Base(fullName))
		if err := writeFile(opts.Fs, out, buf.Bytes()); err != nil {
			return nil, err
		}
		replace[fullName] = out
		res.Files++
		res.Points += f.points
		opts.Logger.Debug("instrumented file", "file", fullName, "points", f.points)
	}
	return funcs, nil
}

func mainModule(targets []*packages.Package) *packages.Module {
	for _, p := range targets {
		if p.Module != nil && p.Module.Main {
			return p.Module
		}
	}
	return nil
}

func writeFile(fs afero.Fs, name string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

var harnessTmpl = template.Must(template.New("harness").Parse(`// Code generated by fuzzexec instrument. DO NOT EDIT.

package main

import (
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
{{range .}}
	_ "{{.}}"{{end}}
)

func main() {
	fuzzdep.MainFuncs()
}
`))
