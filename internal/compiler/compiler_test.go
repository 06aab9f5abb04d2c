package compiler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deverrors "github.com/conneroisu/devloop/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHooks_FireInOrder(t *testing.T) {
	var h Hooks
	var calls []string

	h.OnInvalidate(func() { calls = append(calls, "invalidate-1") })
	h.OnInvalidate(func() { calls = append(calls, "invalidate-2") })
	h.OnDone(func(r *Result) { calls = append(calls, "done:"+r.Hash) })

	h.FireInvalidate()
	h.FireDone(&Result{Hash: "abc"})

	assert.Equal(t, []string{"invalidate-1", "invalidate-2", "done:abc"}, calls)
}

func TestComputeHash(t *testing.T) {
	outputs := []Output{{Path: "b.js", Contents: []byte("b")}, {Path: "a.js", Contents: []byte("a")}}
	reversed := []Output{outputs[1], outputs[0]}

	h1 := ComputeHash(outputs, nil, nil)
	assert.Len(t, h1, 8)
	assert.Equal(t, h1, ComputeHash(reversed, nil, nil), "output order must not matter")

	changed := ComputeHash([]Output{{Path: "a.js", Contents: []byte("A")}, outputs[0]}, nil, nil)
	assert.NotEqual(t, h1, changed)

	withError := ComputeHash(outputs, []Problem{{Name: NameSyntaxError, Message: "Unexpected"}}, nil)
	assert.NotEqual(t, h1, withError)
}

func TestResult_HasErrors(t *testing.T) {
	var nilResult *Result
	assert.False(t, nilResult.HasErrors())

	parent := &Result{Children: []*Result{{}, {Errors: []Problem{{Message: "x"}}}}}
	assert.True(t, parent.HasErrors())
	assert.False(t, (&Result{Warnings: []Problem{{Message: "w"}}}).HasErrors())
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, (&Result{Warnings: []Problem{{Message: "w"}}}).Err())

	parent := &Result{Children: []*Result{
		{Errors: []Problem{{Message: "Unexpected ;", File: "/src/a.ts", Line: 2, Column: 4}}},
		{Errors: []Problem{{Message: "second"}}},
	}}
	err := parent.Err()
	require.Error(t, err)

	var de *deverrors.DevError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, deverrors.ErrCodeBuildFailed, de.Code)
	assert.Equal(t, "/src/a.ts", de.FilePath)
	assert.Equal(t, 2, de.Line)
	assert.Equal(t, 2, de.Context["errors"])
	assert.True(t, deverrors.IsRecoverable(err))
	assert.Equal(t, "[ERR_BUILD_FAILED] /src/a.ts:2:4 Unexpected ; (and 1 more)", err.Error())
}

func TestNewESBuild_ValidatesOptions(t *testing.T) {
	_, err := NewESBuild(ESBuildOptions{Outdir: "dist"})
	require.Error(t, err)
	assert.True(t, deverrors.IsConfigError(err))

	_, err = NewESBuild(ESBuildOptions{EntryPoints: []string{"a.ts"}})
	assert.True(t, deverrors.IsConfigError(err))

	_, err = NewESBuild(ESBuildOptions{EntryPoints: []string{"a.ts"}, Outdir: "dist", Mode: "staging"})
	assert.True(t, deverrors.IsConfigError(err))

	c, err := NewESBuild(ESBuildOptions{EntryPoints: []string{"a.ts"}, Outdir: "dist"})
	require.NoError(t, err)
	assert.Equal(t, ModeDevelopment, c.opts.Mode)
	assert.True(t, filepath.IsAbs(c.Dir()))
}

func TestESBuild_RunOnceSuccess(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/index.ts", "import { greet } from './greet'\nconsole.log(greet('dev'))\n")
	writeFile(t, dir, "src/greet.ts", "export const greet = (n: string) => `hi ${n}`\n")

	c, err := NewESBuild(ESBuildOptions{
		Name:        "web",
		Dir:         dir,
		EntryPoints: []string{"src/index.ts"},
		Outdir:      "dist",
		Sourcemap:   true,
	})
	require.NoError(t, err)

	var fired *Result
	c.OnDone(func(r *Result) { fired = r })

	result, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Same(t, result, fired)
	assert.Equal(t, "web", result.Name)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.Hash)
	require.NotEmpty(t, result.Outputs)

	var sawMap bool
	for _, out := range result.Outputs {
		if filepath.Ext(out.Path) == ".map" {
			sawMap = true
		}
	}
	assert.True(t, sawMap, "linked source map should be emitted")
}

func TestESBuild_RunOnceClassifiesProblems(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/index.ts", "import pad from 'left-pad'\nimport './broken'\nconsole.log(pad)\n")
	writeFile(t, dir, "src/broken.ts", "let x = ;\n")

	c, err := NewESBuild(ESBuildOptions{Dir: dir, EntryPoints: []string{"src/index.ts"}, Outdir: "dist"})
	require.NoError(t, err)

	result, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Errors)

	names := map[string]Problem{}
	for _, p := range result.Errors {
		names[p.Name] = p
	}

	if p, ok := names[NameModuleNotFoundError]; ok {
		assert.Equal(t, "left-pad", p.Module)
		assert.Equal(t, filepath.Join(c.Dir(), "src/index.ts"), p.File)
	}
	if p, ok := names[NameSyntaxError]; ok {
		assert.Equal(t, filepath.Join(c.Dir(), "src/broken.ts"), p.File)
		assert.Equal(t, 1, p.Line)
	}
	assert.True(t, result.HasErrors())
}

func TestESBuild_WatchFiresInvalidateThenDone(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "src/index.ts", "console.log(1)\n")

	c, err := NewESBuild(ESBuildOptions{
		Dir:         dir,
		EntryPoints: []string{"src/index.ts"},
		Outdir:      "dist",
		WatchPaths:  []string{"src"},
		Debounce:    20 * time.Millisecond,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	done := make(chan *Result, 4)
	c.OnInvalidate(func() {
		mu.Lock()
		events = append(events, "invalid")
		mu.Unlock()
	})
	c.OnDone(func(r *Result) {
		mu.Lock()
		events = append(events, "done")
		mu.Unlock()
		done <- r
	})

	ctx, cancel := context.WithCancel(context.Background())
	watchErr := make(chan error, 1)
	go func() { watchErr <- c.Watch(ctx) }()

	var first *Result
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("initial build never finished")
	}

	require.NoError(t, os.WriteFile(entry, []byte("console.log(2)\n"), 0o644))

	var second *Result
	select {
	case second = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild never finished")
	}

	cancel()
	require.NoError(t, <-watchErr)

	assert.NotEqual(t, first.Hash, second.Hash)
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, []string{"done", "invalid", "done"}, events[:3])
	assert.NoError(t, c.Close())
}

func TestESBuild_WatchesSingleFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/index.ts", "console.log(1)\n")
	tsconfig := writeFile(t, dir, "tsconfig.json", "{}\n")

	c, err := NewESBuild(ESBuildOptions{
		Dir:         dir,
		EntryPoints: []string{"src/index.ts"},
		Outdir:      "dist",
		WatchPaths:  []string{"tsconfig.json"},
		Debounce:    20 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan *Result, 4)
	c.OnDone(func(r *Result) { done <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Watch(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("initial build never finished")
	}

	require.NoError(t, os.WriteFile(tsconfig, []byte(`{"compilerOptions":{}}`+"\n"), 0o644))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("changing a watched file did not rebuild")
	}
}
