package status

import (
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devloop/internal/compiler"
	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/typecheck"
)

// recorder collects decoded messages.
type recorder struct {
	mu       sync.Mutex
	messages []Message
	fail     bool
}

func (r *recorder) Send(payload []byte) error {
	if r.fail {
		return errors.New("gone")
	}
	msg, err := Decode(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Action)
	}
	return out
}

func (r *recorder) last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[len(r.messages)-1]
}

func fakeFiles(files map[string]string) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		if content, ok := files[path]; ok {
			return []byte(content), nil
		}
		return nil, fs.ErrNotExist
	}
}

func tsIssue(sev typecheck.Severity, file string) typecheck.Issue {
	return typecheck.Issue{Severity: sev, Code: "TS2322", Message: "bad type", File: file}
}

func TestStore_InitialSync(t *testing.T) {
	store := NewStore(Options{Name: "web", UsingTypeCheck: true})
	rec := &recorder{}
	store.Subscribe(rec)

	require.Equal(t, []Action{ActionSync}, rec.actions())
	msg := rec.last()
	assert.Nil(t, msg.Hash)
	assert.True(t, msg.Compiling)
	assert.True(t, msg.AwaitingTypeCheck)
	assert.Equal(t, "web", msg.Name)
	assert.Empty(t, msg.Errors)
}

func TestStore_InvalidateThenDone(t *testing.T) {
	store := NewStore(Options{})
	rec := &recorder{}
	store.Subscribe(rec)

	store.BuildDone(&compiler.Result{Hash: "aaaa", Duration: 42 * time.Millisecond})
	store.Invalidate()
	invalid := rec.last()
	assert.Nil(t, invalid.Hash)
	assert.True(t, invalid.Compiling)

	store.BuildDone(&compiler.Result{Hash: "bbbb", Errors: []compiler.Problem{{Message: "boom", File: "/a.ts"}}})

	assert.Equal(t, []Action{ActionSync, ActionDone, ActionInvalid, ActionDone}, rec.actions())
	done := rec.last()
	require.NotNil(t, done.Hash)
	assert.Equal(t, "bbbb", *done.Hash)
	assert.False(t, done.Compiling)
	assert.Equal(t, extract.Records{extract.Generic{File: "/a.ts", Message: "boom"}}, done.Errors)
}

func TestStore_LateJoinerGetsOneSync(t *testing.T) {
	store := NewStore(Options{})
	early := &recorder{}
	store.Subscribe(early)

	store.Invalidate()
	store.BuildDone(&compiler.Result{Hash: "one"})
	store.BuildDone(&compiler.Result{Hash: "two", Warnings: []compiler.Problem{{Message: "careful"}}})

	late := &recorder{}
	store.Subscribe(late)

	require.Equal(t, []Action{ActionSync}, late.actions())
	lateMsg := late.last()
	earlyMsg := early.last()
	assert.Equal(t, "two", *lateMsg.Hash)
	assert.Equal(t, earlyMsg.Status, lateMsg.Status)
}

func TestStore_TypeCheckDone(t *testing.T) {
	files := map[string]string{"/app/a.ts": "const a: number = 'x'"}
	store := NewStore(Options{UsingTypeCheck: true, ReadFile: fakeFiles(files)})
	rec := &recorder{}
	store.Subscribe(rec)

	store.BuildDone(&compiler.Result{Hash: "h1"})
	assert.True(t, rec.last().AwaitingTypeCheck)

	err := store.TypeCheckDone([]typecheck.Issue{
		tsIssue(typecheck.SeverityError, "/app/a.ts"),
		tsIssue(typecheck.SeverityWarning, "/app/missing.ts"),
	}, "h1")
	require.NoError(t, err)

	msg := rec.last()
	assert.Equal(t, ActionTypeScript, msg.Action)
	assert.False(t, msg.AwaitingTypeCheck)
	require.NotNil(t, msg.TSC)
	assert.Len(t, msg.TSC.Errors, 1)
	assert.Len(t, msg.TSC.Warnings, 1)
	assert.Equal(t, files, msg.FileMap)
}

func TestStore_TypeCheckHashMismatchNeverMutates(t *testing.T) {
	store := NewStore(Options{UsingTypeCheck: true})
	rec := &recorder{}
	store.Subscribe(rec)
	store.BuildDone(&compiler.Result{Hash: "new"})

	before := store.Snapshot()
	sent := len(rec.actions())

	err := store.TypeCheckDone([]typecheck.Issue{tsIssue(typecheck.SeverityError, "")}, "old")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deverrors.ErrHashMismatch))

	assert.Equal(t, before, store.Snapshot())
	assert.Len(t, rec.actions(), sent, "mismatch must not broadcast")

	store.Invalidate()
	err = store.TypeCheckDone(nil, "new")
	assert.True(t, errors.Is(err, deverrors.ErrHashMismatch), "no current hash while compiling")
}

func TestStore_FileMapAccumulatesAndResets(t *testing.T) {
	reads := map[string]int{}
	files := map[string]string{"/app/a.ts": "a", "/app/b.ts": "b"}
	readFile := func(path string) ([]byte, error) {
		reads[path]++
		return fakeFiles(files)(path)
	}
	store := NewStore(Options{ReadFile: readFile})

	issue := tsIssue(typecheck.SeverityError, "/app/a.ts")
	store.BuildDone(&compiler.Result{Hash: "h1", Errors: []compiler.Problem{
		{Name: compiler.NameTypeCheckError, File: issue.File, Issue: &issue},
		{Name: compiler.NameSyntaxError, File: "/app/b.ts", Message: "Unexpected"},
	}})
	assert.Equal(t, files, store.Snapshot().FileMap)

	require.NoError(t, store.TypeCheckDone([]typecheck.Issue{issue}, "h1"))
	assert.Equal(t, 1, reads["/app/a.ts"], "files already in the map are not re-read")

	store.Invalidate()
	assert.Empty(t, store.Snapshot().FileMap)
}

func TestStore_SameHashMergesAccumulatedState(t *testing.T) {
	store := NewStore(Options{UsingTypeCheck: true, ReadFile: fakeFiles(map[string]string{"/a.ts": "x"})})
	store.BuildDone(&compiler.Result{Hash: "same"})
	require.NoError(t, store.TypeCheckDone([]typecheck.Issue{tsIssue(typecheck.SeverityError, "/a.ts")}, "same"))

	store.BuildDone(&compiler.Result{Hash: "same"})

	snap := store.Snapshot()
	require.NotNil(t, snap.TSC)
	assert.Len(t, snap.TSC.Errors, 1)
	assert.False(t, snap.AwaitingTypeCheck)
	assert.Contains(t, snap.FileMap, "/a.ts")
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	store := NewStore(Options{ReadFile: fakeFiles(map[string]string{"/a.ts": "x"})})
	issue := tsIssue(typecheck.SeverityError, "/a.ts")
	store.BuildDone(&compiler.Result{Hash: "h", Errors: []compiler.Problem{{Name: compiler.NameTypeCheckError, Issue: &issue, File: "/a.ts"}}})

	snap := store.Snapshot()
	snap.FileMap["/a.ts"] = "mutated"
	*snap.Hash = "mutated"
	snap.Errors[0] = extract.Generic{Message: "mutated"}

	fresh := store.Snapshot()
	assert.Equal(t, "x", fresh.FileMap["/a.ts"])
	assert.Equal(t, "h", fresh.HashValue())
	assert.Equal(t, extract.KindTypeScript, fresh.Errors[0].Kind())
}

func TestStore_FailingListenerDropped(t *testing.T) {
	store := NewStore(Options{})
	good := &recorder{}
	store.Subscribe(good)
	store.Subscribe(&recorder{fail: true})
	assert.Equal(t, 1, store.Listeners())

	unsubscribe := store.Subscribe(ListenerFunc(func([]byte) error { return nil }))
	assert.Equal(t, 2, store.Listeners())
	unsubscribe()
	assert.Equal(t, 1, store.Listeners())

	store.Invalidate()
	assert.Equal(t, []Action{ActionSync, ActionInvalid}, good.actions())
}
