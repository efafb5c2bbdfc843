// ABOUTME: Tests for the dynamic module loader
// ABOUTME: Covers tool extraction, namespace isolation, load failures, timeouts, calls and unit retention

package loader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, retain int) *Loader {
	t.Helper()
	l, err := New(Options{
		WorkDir:     t.TempDir(),
		Retain:      retain,
		CallTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return l
}

const mathModule = `package tools

import "strings"

// Add returns the sum of two integers.
func Add(a, b int) int {
	return a + b
}

// Shout upper-cases a message.
func Shout(msg string) string {
	return strings.ToUpper(msg) + "!"
}

func helper() int { return 42 }
`

func TestLoad_ExtractsExportedFunctions(t *testing.T) {
	l := newTestLoader(t, 3)

	ts, err := l.Load(context.Background(), "svc-1", "math", mathModule)
	require.NoError(t, err)

	assert.Equal(t, []string{"Add", "Shout"}, ts.Names(), "unexported and imported functions are not tools")

	add, ok := ts.Get("Add")
	require.True(t, ok)
	assert.Equal(t, "Add returns the sum of two integers.", add.Description)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(add.InputSchema, &schema))
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "integer", props["a"].(map[string]any)["type"])
	assert.ElementsMatch(t, []any{"a", "b"}, schema["required"])

	out, err := ts.Call(context.Background(), "Add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))

	out, err = ts.Call(context.Background(), "Shout", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"HI!"`, string(out))
}

func TestLoad_IsolatesNamespaces(t *testing.T) {
	l := newTestLoader(t, 3)
	src := `package tools

var count int

// Inc bumps a package-level counter.
func Inc() int {
	count++
	return count
}
`
	a, err := l.Load(context.Background(), "svc-a", "counter", src)
	require.NoError(t, err)
	b, err := l.Load(context.Background(), "svc-b", "counter", src)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.Call(ctx, "Inc", nil)
	require.NoError(t, err)
	out, err := a.Call(ctx, "Inc", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(out))

	out, err = b.Call(ctx, "Inc", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(out), "second service has its own globals")
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		stage  string
	}{
		{"syntax error", "package tools\n\nfunc Broken( {\n", StageParse},
		{"no exported functions", "package tools\n\nfunc hidden() {}\n", StageEmpty},
		{"type error", "package tools\n\nfunc Bad() int { return \"nope\" }\n", StageCompile},
		{"denied import", "package tools\n\nimport \"os/exec\"\n\nfunc Run() error { return exec.Command(\"true\").Run() }\n", StageCompile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(t, 3)
			_, err := l.Load(context.Background(), "svc", "bad", tt.source)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrModuleLoad)

			var le *LoadError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.stage, le.Stage)
			assert.Equal(t, "bad", le.Module)
		})
	}

	t.Run("panic during init", func(t *testing.T) {
		l := newTestLoader(t, 3)
		src := "package tools\n\nfunc init() { panic(\"boom\") }\n\nfunc Ok() int { return 1 }\n"
		_, err := l.Load(context.Background(), "svc", "panicky", src)
		assert.ErrorIs(t, err, ErrModuleLoad)

		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, StageExecute, le.Stage, "top-level panics happen after compilation")
	})

	t.Run("runtime error in global initializer", func(t *testing.T) {
		l := newTestLoader(t, 3)
		src := "package tools\n\nvar table = func() map[string]int { var m map[string]int; m[\"x\"] = 1; return m }()\n\nfunc Ok() int { return len(table) }\n"
		_, err := l.Load(context.Background(), "svc", "nilmap", src)

		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, StageExecute, le.Stage)
	})
}

func TestLoad_InitializerTimeout(t *testing.T) {
	l, err := New(Options{
		WorkDir:     t.TempDir(),
		CallTimeout: 2 * time.Second,
		LoadTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	src := "package tools\n\nfunc init() {\n\tfor {\n\t}\n}\n\nfunc Ok() int { return 1 }\n"

	start := time.Now()
	_, err = l.Load(context.Background(), "svc", "spin", src)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModuleLoad)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StageExecute, le.Stage)
	assert.Contains(t, err.Error(), "did not finish within 200ms")
	assert.Less(t, elapsed, 2*time.Second, "load must give up at the load timeout")
}

func TestLoad_LoadTimeoutDefaultsToCallTimeout(t *testing.T) {
	l, err := New(Options{WorkDir: t.TempDir(), CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, l.opts.LoadTimeout)
}

func TestInspect(t *testing.T) {
	names, err := Inspect("math", mathModule)
	require.NoError(t, err)
	assert.Contains(t, names, "Add")
	assert.Contains(t, names, "Shout")

	_, err = Inspect("bad", "package tools\n\nfunc Broken( {\n")
	assert.ErrorIs(t, err, ErrModuleLoad)

	_, err = Inspect("empty", "package tools\n\nfunc hidden() {}\n")
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StageEmpty, le.Stage)
}

func TestLoad_MissingPackageClause(t *testing.T) {
	l := newTestLoader(t, 3)
	ts, err := l.Load(context.Background(), "svc", "bare", "// Ping answers.\nfunc Ping() string { return \"pong\" }\n")
	require.NoError(t, err)

	out, err := ts.Call(context.Background(), "Ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(out))
}

func TestLoad_PackageMain(t *testing.T) {
	l := newTestLoader(t, 3)
	ts, err := l.Load(context.Background(), "svc", "mainpkg", "package main\n\nfunc Hello() string { return \"hi\" }\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, ts.Names())
}

func TestToolCalls(t *testing.T) {
	l := newTestLoader(t, 3)
	src := `package tools

import (
	"context"
	"errors"
)

// Divide divides a by b.
func Divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

// Deadline reports whether the call carries a deadline.
func Deadline(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
}

// Greet greets an optional list of names.
func Greet(names []string) int {
	return len(names)
}
`
	ts, err := l.Load(context.Background(), "svc", "calls", src)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("result with nil error", func(t *testing.T) {
		out, err := ts.Call(ctx, "Divide", json.RawMessage(`{"a":9,"b":3}`))
		require.NoError(t, err)
		assert.JSONEq(t, `3`, string(out))
	})

	t.Run("returned error becomes tool error", func(t *testing.T) {
		_, err := ts.Call(ctx, "Divide", json.RawMessage(`{"a":1,"b":0}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "division by zero")
	})

	t.Run("context parameter is supplied", func(t *testing.T) {
		tool, ok := ts.Get("Deadline")
		require.True(t, ok)
		var schema map[string]any
		require.NoError(t, json.Unmarshal(tool.InputSchema, &schema))
		assert.Empty(t, schema["properties"], "context is not an argument")

		out, err := ts.Call(ctx, "Deadline", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `true`, string(out))
	})

	t.Run("missing required argument", func(t *testing.T) {
		_, err := ts.Call(ctx, "Divide", json.RawMessage(`{"a":1}`))
		assert.ErrorContains(t, err, `missing required argument "b"`)
	})

	t.Run("optional slice argument", func(t *testing.T) {
		out, err := ts.Call(ctx, "Greet", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `0`, string(out))
	})

	t.Run("arguments must be an object", func(t *testing.T) {
		_, err := ts.Call(ctx, "Divide", json.RawMessage(`[1,2]`))
		assert.Error(t, err)
	})
}

func TestUnitRetention(t *testing.T) {
	l := newTestLoader(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Load(ctx, "svc-r", "retained", mathModule)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	units, err := l.Units("svc-r")
	require.NoError(t, err)
	assert.Len(t, units, 2, "older units are pruned")

	_, err = l.Load(ctx, "svc-other", "retained", mathModule)
	require.NoError(t, err)

	require.NoError(t, l.Release("svc-r"))
	units, err = l.Units("svc-r")
	require.NoError(t, err)
	assert.Empty(t, units)

	others, err := l.Units("svc-other")
	require.NoError(t, err)
	assert.Len(t, others, 1, "release only touches its own service")
}

func TestNew_RequiresWorkDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "weather_tools", sanitizeName("weather tools"))
	assert.Equal(t, "module", sanitizeName("../"))
	assert.Equal(t, "a-b_c", sanitizeName("a-b/c"))
}
