// ABOUTME: Dynamic module loader that evaluates stored Go source in a fresh yaegi interpreter
// ABOUTME: Extracts the unit's exported top-level functions as tools for a service

package loader

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	yaegisyscall "github.com/traefik/yaegi/stdlib/syscall"
	yaegiunsafe "github.com/traefik/yaegi/stdlib/unsafe"

	"github.com/2389/grimoire/internal/registry"
)

// defaultPackage is assumed when the source has no package clause.
const defaultPackage = "tools"

// deniedPackages are withheld from module code unless AllowUnsafe is set.
var deniedPackages = map[string]bool{
	"os/exec":       true,
	"plugin":        true,
	"runtime/debug": true,
	"net/http/cgi":  true,
}

// Options configures a Loader.
type Options struct {
	WorkDir     string
	Retain      int
	CallTimeout time.Duration
	LoadTimeout time.Duration // bounds top-level initialization, defaults to CallTimeout
	AllowUnsafe bool
	Logger      *slog.Logger
}

// Loader turns module source into isolated toolsets.
type Loader struct {
	opts    Options
	symbols interp.Exports
	logger  *slog.Logger
	mu      sync.Mutex // serializes unit writes and pruning
}

// New creates a Loader. WorkDir is created lazily on first load.
func New(opts Options) (*Loader, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("loader work dir is required")
	}
	if opts.Retain < 1 {
		opts.Retain = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = opts.CallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Loader{
		opts:    opts,
		symbols: restrictedSymbols(opts.AllowUnsafe),
		logger:  opts.Logger.With("component", "loader"),
	}, nil
}

// restrictedSymbols copies the stdlib symbol table without the denied packages.
func restrictedSymbols(allowUnsafe bool) interp.Exports {
	out := make(interp.Exports, len(stdlib.Symbols))
	for key, syms := range stdlib.Symbols {
		// keys look like "os/exec/exec": import path, then package name
		if !allowUnsafe && deniedPackages[path.Dir(key)] {
			continue
		}
		out[key] = syms
	}
	if allowUnsafe {
		for key, syms := range yaegisyscall.Symbols {
			out[key] = syms
		}
		for key, syms := range yaegiunsafe.Symbols {
			out[key] = syms
		}
	}
	return out
}

// funcDecl is an exported top-level function found in a unit.
type funcDecl struct {
	name        string
	doc         string
	params      []param
	takesCtx    bool
	hasVariadic bool
}

type param struct {
	name string
	expr ast.Expr
}

// Load evaluates source for a service and returns its toolset.
// Each call uses a fresh interpreter, so services never share globals even
// when they declare the same identifiers. Fails with a *LoadError on syntax
// and type errors, on runtime errors or panics in top-level code, when
// initialization outlives LoadTimeout, and when the unit exports no functions.
func (l *Loader) Load(ctx context.Context, serviceID, moduleName, source string) (*registry.Toolset, error) {
	src, pkgName, decls, err := inspect(moduleName, source)
	if err != nil {
		return nil, err
	}
	if len(decls) == 0 {
		return nil, loadErr(moduleName, StageEmpty, errors.New("no exported top-level functions"))
	}

	l.mu.Lock()
	unitPath, err := l.writeUnit(serviceID, moduleName, src)
	if err == nil {
		l.prune(serviceID)
	}
	l.mu.Unlock()
	if err != nil {
		return nil, loadErr(moduleName, StageUnit, err)
	}

	i, err := l.newInterpreter(serviceID)
	if err != nil {
		return nil, loadErr(moduleName, StageCompile, err)
	}

	prog, err := compileSafely(i, string(src))
	if err != nil {
		return nil, loadErr(moduleName, StageCompile, err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, l.opts.LoadTimeout)
	defer cancel()

	if err := execute(loadCtx, i, prog); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("module initialization did not finish within %s", l.opts.LoadTimeout)
		}
		return nil, loadErr(moduleName, StageExecute, err)
	}

	tools := make([]*registry.Tool, 0, len(decls))
	for _, d := range decls {
		fn, err := lookupFunc(loadCtx, i, pkgName+"."+d.name)
		if err != nil {
			return nil, loadErr(moduleName, StageExtract, fmt.Errorf("%s: %w", d.name, err))
		}
		tool, err := l.buildTool(serviceID, d, fn)
		if err != nil {
			return nil, loadErr(moduleName, StageExtract, err)
		}
		tools = append(tools, tool)
	}

	ts, err := registry.NewToolset(serviceID, moduleName, tools...)
	if err != nil {
		return nil, loadErr(moduleName, StageExtract, err)
	}

	l.logger.Info("module loaded",
		"service_id", serviceID,
		"module", moduleName,
		"unit", unitPath,
		"tools", ts.Names(),
	)
	return ts, nil
}

// Inspect parses source without evaluating it and returns the tool names it
// would publish. It reports the same syntax and empty-module errors as Load.
func Inspect(moduleName, source string) ([]string, error) {
	_, _, decls, err := inspect(moduleName, source)
	if err != nil {
		return nil, err
	}
	if len(decls) == 0 {
		return nil, loadErr(moduleName, StageEmpty, errors.New("no exported top-level functions"))
	}
	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.name)
	}
	return names, nil
}

// newInterpreter builds an isolated interpreter with the restricted symbol table.
func (l *Loader) newInterpreter(serviceID string) (*interp.Interpreter, error) {
	out := &logWriter{logger: l.logger.With("service_id", serviceID)}
	i := interp.New(interp.Options{
		Stdout:       out,
		Stderr:       out,
		Unrestricted: l.opts.AllowUnsafe,
	})
	if err := i.Use(l.symbols); err != nil {
		return nil, fmt.Errorf("installing symbols: %w", err)
	}
	return i, nil
}

// compileSafely type-checks and compiles source without running any of it.
func compileSafely(i *interp.Interpreter, src string) (prog *interp.Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during compilation: %v", r)
		}
	}()
	return i.Compile(src)
}

// execute runs the unit's global initializers and init functions. It returns
// ctx.Err() as soon as ctx is done; the interpreter is told to stop, so a
// spinning initializer unwinds in the background.
func execute(ctx context.Context, i *interp.Interpreter, prog *interp.Program) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during initialization: %v", r)
			}
		}()
		_, err := i.ExecuteWithContext(ctx, prog)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookupFunc resolves a qualified identifier to a callable value.
func lookupFunc(ctx context.Context, i *interp.Interpreter, qualified string) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic resolving %s: %v", qualified, r)
		}
	}()
	v, err = i.EvalWithContext(ctx, qualified)
	if err != nil {
		return reflect.Value{}, err
	}
	if v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%s is %s, not a function", qualified, v.Kind())
	}
	return v, nil
}

// inspect parses the unit, adding a package clause if missing, and collects
// its exported receiver-less functions. Imported functions never appear here
// because only declarations in this file are visited.
func inspect(moduleName, source string) ([]byte, string, []funcDecl, error) {
	src := []byte(source)
	fset := token.NewFileSet()

	if _, err := parser.ParseFile(fset, "", src, parser.PackageClauseOnly); err != nil {
		src = append([]byte("package "+defaultPackage+"\n\n"), src...)
	}

	file, err := parser.ParseFile(fset, sanitizeName(moduleName)+".go", src, parser.ParseComments)
	if err != nil {
		return nil, "", nil, loadErr(moduleName, StageParse, err)
	}

	pkgName := file.Name.Name
	if pkgName == "main" {
		// package main symbols are not addressable by qualified name
		off := fset.Position(file.Name.Pos()).Offset
		src = append(append(append([]byte{}, src[:off]...), defaultPackage...), src[off+len("main"):]...)
		pkgName = defaultPackage
	}

	var decls []funcDecl
	for _, d := range file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || fd.Type.TypeParams != nil {
			continue
		}
		name := fd.Name.Name
		if !ast.IsExported(name) {
			continue
		}

		decl := funcDecl{name: name, doc: strings.TrimSpace(fd.Doc.Text())}
		fields := fd.Type.Params.List
		for idx, field := range fields {
			if idx == 0 && len(field.Names) <= 1 && isContextType(field.Type) {
				decl.takesCtx = true
				continue
			}
			if _, ok := field.Type.(*ast.Ellipsis); ok {
				decl.hasVariadic = true
			}
			if len(field.Names) == 0 {
				return nil, "", nil, loadErr(moduleName, StageParse,
					fmt.Errorf("function %s has unnamed parameters", name))
			}
			for _, n := range field.Names {
				decl.params = append(decl.params, param{name: n.Name, expr: field.Type})
			}
		}
		decls = append(decls, decl)
	}

	return src, pkgName, decls, nil
}

// isContextType reports whether expr spells context.Context.
func isContextType(expr ast.Expr) bool {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "context" && sel.Sel.Name == "Context"
}

// logWriter forwards interpreter output to the structured logger.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("module output", "text", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

var _ io.Writer = (*logWriter)(nil)
