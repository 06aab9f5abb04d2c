package typecheck

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tscOutput = `src/app.ts(12,5): error TS2322: Type 'string' is not assignable to type 'number'.
src/util.ts(3,1): warning TS6133: 'x' is declared but its value is never read.
src/long.ts:4:9 - error TS2345: Argument of type 'A' is not assignable to parameter of type 'B'.
  Property 'id' is missing in type 'A'.
error TS5023: Unknown compiler option 'fancy'.
Found 4 errors.
`

func TestParseOutput(t *testing.T) {
	dir := t.TempDir()
	issues := ParseOutput(tscOutput, dir)

	require.Len(t, issues, 4)

	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Equal(t, "TS2322", issues[0].Code)
	assert.Equal(t, "src/app.ts", issues[0].RelativeFile)
	assert.Equal(t, filepath.Join(dir, "src/app.ts"), issues[0].File)
	require.NotNil(t, issues[0].Location)
	assert.Equal(t, Position{Line: 12, Column: 5}, issues[0].Location.Start)

	assert.Equal(t, SeverityWarning, issues[1].Severity)

	assert.Equal(t, "TS2345", issues[2].Code)
	assert.Contains(t, issues[2].Message, "Property 'id' is missing")

	assert.Empty(t, issues[3].File)
	assert.Nil(t, issues[3].Location)
}

func TestPartition(t *testing.T) {
	errs, warnings := Partition([]Issue{
		{Severity: SeverityError, Code: "TS1"},
		{Severity: SeverityWarning, Code: "TS2"},
		{Severity: SeverityError, Code: "TS3"},
	})

	require.Len(t, errs, 2)
	require.Len(t, warnings, 1)
	assert.Equal(t, "TS1", errs[0].Code)
	assert.Equal(t, "TS3", errs[1].Code)
}

func TestNewChecker_RejectsShellMetacharacters(t *testing.T) {
	_, err := NewChecker(Options{Command: "tsc; rm -rf /"})
	assert.Error(t, err)

	c, err := NewChecker(Options{})
	require.NoError(t, err)
	assert.Equal(t, "tsc", c.command)
	assert.Equal(t, []string{"--noEmit", "--pretty", "false"}, c.args)
}

func TestChecker_CheckTreatsExitStatusAsIssues(t *testing.T) {
	c, err := NewChecker(Options{
		Dir: t.TempDir(),
		Runner: func(context.Context, string, string, ...string) ([]byte, error) {
			return []byte(tscOutput), errors.New("exit status 2")
		},
	})
	require.NoError(t, err)

	issues, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, issues, 4)
}

func TestChecker_CheckFailsWithoutOutput(t *testing.T) {
	c, err := NewChecker(Options{
		Runner: func(context.Context, string, string, ...string) ([]byte, error) {
			return nil, errors.New("executable file not found")
		},
	})
	require.NoError(t, err)

	_, err = c.Check(context.Background())
	assert.Error(t, err)
}

func TestChecker_StartDeliversIssuesWithHash(t *testing.T) {
	c, err := NewChecker(Options{
		Runner: func(context.Context, string, string, ...string) ([]byte, error) {
			return []byte("src/a.ts(1,1): error TS1005: ';' expected.\n"), nil
		},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var waited int
	var gotHash string
	var got []Issue
	done := make(chan struct{})

	c.OnWaiting(func() {
		mu.Lock()
		waited++
		mu.Unlock()
	})
	c.OnIssues(func(issues []Issue, hash string) []Issue {
		mu.Lock()
		gotHash = hash
		got = issues
		mu.Unlock()
		close(done)
		return issues
	})

	c.Start(context.Background(), "abc123")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("issues hook not called")
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, waited)
	assert.Equal(t, "abc123", gotHash)
	require.Len(t, got, 1)
	assert.Equal(t, "TS1005", got[0].Code)
}

func TestChecker_StartCancelsSupersededPass(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	c, err := NewChecker(Options{
		Runner: func(ctx context.Context, _ string, _ string, _ ...string) ([]byte, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			<-release
			return nil, nil
		},
	})
	require.NoError(t, err)

	hashes := make(chan string, 2)
	c.OnIssues(func(issues []Issue, hash string) []Issue {
		hashes <- hash
		return issues
	})

	c.Start(context.Background(), "old")
	time.Sleep(20 * time.Millisecond)
	c.Start(context.Background(), "new")
	close(release)

	select {
	case h := <-hashes:
		assert.Equal(t, "new", h)
	case <-time.After(2 * time.Second):
		t.Fatal("no issues delivered")
	}
	c.Stop()
	assert.Len(t, hashes, 0)
}
