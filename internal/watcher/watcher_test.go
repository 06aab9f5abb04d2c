package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(99), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestExtensionFilter(t *testing.T) {
	filter := ExtensionFilter("ts", ".tsx", ".CSS")

	assert.True(t, filter("src/app.ts"))
	assert.True(t, filter("src/App.tsx"))
	assert.True(t, filter("src/site.css"))
	assert.False(t, filter("src/readme.md"))
}

func TestIgnoreFilter(t *testing.T) {
	filter := IgnoreFilter("node_modules", "*.test.ts")

	assert.True(t, filter("src/app.ts"))
	assert.False(t, filter("src/node_modules/pkg/index.ts"))
	assert.False(t, filter("src/app.test.ts"))
}

func TestNoEditorTempFilter(t *testing.T) {
	assert.True(t, NoEditorTempFilter("src/app.ts"))
	assert.False(t, NoEditorTempFilter("src/app.ts~"))
	assert.False(t, NoEditorTempFilter("src/.app.ts.swp"))
	assert.False(t, NoEditorTempFilter("src/.#app.ts"))
}

func TestDebouncer_CoalescesByPath(t *testing.T) {
	d := &Debouncer{
		delay:  20 * time.Millisecond,
		events: make(chan ChangeEvent, 10),
		output: make(chan []ChangeEvent, 1),
	}

	d.addEvent(ChangeEvent{Type: EventTypeCreated, Path: "b.ts"})
	d.addEvent(ChangeEvent{Type: EventTypeModified, Path: "a.ts"})
	d.addEvent(ChangeEvent{Type: EventTypeModified, Path: "b.ts"})

	select {
	case batch := <-d.output:
		require.Len(t, batch, 2)
		assert.Equal(t, "a.ts", batch[0].Path)
		assert.Equal(t, "b.ts", batch[1].Path)
		assert.Equal(t, EventTypeModified, batch[1].Type)
	case <-time.After(time.Second):
		t.Fatal("debouncer never flushed")
	}
}

func TestFileWatcher_DeliversChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))

	fw, err := NewFileWatcher(30*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	fw.AddFilter(ExtensionFilter(".ts"))

	var mu sync.Mutex
	var got []ChangeEvent
	received := make(chan struct{}, 1)
	fw.AddHandler(func(events []ChangeEvent) error {
		mu.Lock()
		got = append(got, events...)
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
		return nil
	})

	require.NoError(t, fw.AddRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.ts"), []byte("export {}"), 0o644))

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("no change delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range got {
		assert.Equal(t, ".ts", filepath.Ext(ev.Path))
	}
}

func TestFileWatcher_StopIsIdempotent(t *testing.T) {
	fw, err := NewFileWatcher(10*time.Millisecond, nil)
	require.NoError(t, err)

	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
