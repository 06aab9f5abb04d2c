// Package status holds the current compilation status and pushes every change
// to connected listeners.
//
// The store is driven by compiler lifecycle hooks:
//
//	invalidate  -> {hash: null, compiling: true}            action "invalid"
//	build done  -> extracted errors and warnings, new hash  action "done"
//	type check  -> tsc issues for the same hash             action "typescript"
//
// A listener that subscribes is sent the current snapshot with action "sync"
// before any later broadcast.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"sync"

	"github.com/conneroisu/devloop/internal/compiler"
	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/typecheck"
)

// Action tells a client why a snapshot was sent.
type Action string

const (
	ActionInvalid    Action = "invalid"
	ActionDone       Action = "done"
	ActionSync       Action = "sync"
	ActionTypeScript Action = "typescript"
)

// TypeScriptIssues are the results of the type-check side channel.
type TypeScriptIssues struct {
	Errors   []typecheck.Issue `json:"errors"`
	Warnings []typecheck.Issue `json:"warnings"`
}

// Status is one compilation status snapshot. A nil Hash means no build
// result is currently valid.
type Status struct {
	Hash              *string           `json:"hash"`
	Compiling         bool              `json:"compiling"`
	AwaitingTypeCheck bool              `json:"awaitingTypeCheck"`
	Time              int64             `json:"time,omitempty"`
	Name              string            `json:"name,omitempty"`
	Errors            extract.Records   `json:"errors"`
	Warnings          extract.Records   `json:"warnings"`
	TSC               *TypeScriptIssues `json:"tsc,omitempty"`
	FileMap           map[string]string `json:"fileMap"`
}

// HashValue returns the hash, or "" when there is none.
func (s Status) HashValue() string {
	if s.Hash == nil {
		return ""
	}
	return *s.Hash
}

// Clone returns a copy that shares nothing mutable with s.
func (s Status) Clone() Status {
	out := s
	if s.Hash != nil {
		h := *s.Hash
		out.Hash = &h
	}
	out.Errors = append(extract.Records{}, s.Errors...)
	out.Warnings = append(extract.Records{}, s.Warnings...)
	if s.TSC != nil {
		out.TSC = &TypeScriptIssues{
			Errors:   append([]typecheck.Issue{}, s.TSC.Errors...),
			Warnings: append([]typecheck.Issue{}, s.TSC.Warnings...),
		}
	}
	out.FileMap = maps.Clone(s.FileMap)
	if out.FileMap == nil {
		out.FileMap = map[string]string{}
	}
	return out
}

// Message is the wire envelope: the action plus every status field.
type Message struct {
	Action Action `json:"action"`
	Status
}

// Decode parses a wire payload.
func Decode(payload []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

// Listener receives encoded messages. Send must not block; a returned error
// drops the listener.
type Listener interface {
	Send(payload []byte) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(payload []byte) error

// Send calls f.
func (f ListenerFunc) Send(payload []byte) error { return f(payload) }

// Options configures a Store.
type Options struct {
	// Name is reported when a result carries none.
	Name string
	// UsingTypeCheck marks every new build as awaiting a type-check pass.
	UsingTypeCheck bool
	// ReadFile loads sources for the file map. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
	Logger   logging.Logger
}

// Store owns the status and the listener set. All transitions and listener
// changes are serialised.
type Store struct {
	name           string
	usingTypeCheck bool
	readFile       func(string) ([]byte, error)
	logger         logging.Logger

	mu        sync.Mutex
	status    Status
	listeners map[*subscription]struct{}
}

type subscription struct {
	listener Listener
}

// NewStore creates a store in the compiling state with no hash.
func NewStore(opts Options) *Store {
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Store{
		name:           opts.Name,
		usingTypeCheck: opts.UsingTypeCheck,
		readFile:       readFile,
		logger:         logger.WithComponent("status"),
		status:         emptyStatus(opts.Name, opts.UsingTypeCheck),
		listeners:      make(map[*subscription]struct{}),
	}
}

func emptyStatus(name string, awaiting bool) Status {
	return Status{
		Compiling:         true,
		AwaitingTypeCheck: awaiting,
		Name:              name,
		Errors:            extract.Records{},
		Warnings:          extract.Records{},
		FileMap:           map[string]string{},
	}
}

// Snapshot returns a copy of the current status.
func (s *Store) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone()
}

// Subscribe registers l and immediately sends it the current status with
// action sync. The returned function unregisters it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	sub := &subscription{listener: l}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners[sub] = struct{}{}
	payload, err := s.encode(ActionSync)
	if err == nil {
		s.deliver(sub, payload)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, sub)
	}
}

// Listeners returns the number of registered listeners.
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Invalidate discards the current result and marks a build in progress.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = emptyStatus(s.name, s.usingTypeCheck)
	s.broadcast(ActionInvalid)
}

// BuildDone applies a finished build.
func (s *Store) BuildDone(result *compiler.Result) {
	errs, warnings := extract.Extract(result)

	name := s.name
	if result != nil && result.Name != "" {
		name = result.Name
	}
	fresh := Status{
		AwaitingTypeCheck: s.usingTypeCheck,
		Name:              name,
		Errors:            errs,
		Warnings:          warnings,
		FileMap:           map[string]string{},
	}
	if result != nil {
		hash := result.Hash
		fresh.Hash = &hash
		fresh.Time = result.Duration.Milliseconds()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Hash == nil || fresh.Hash == nil || *s.status.Hash != *fresh.Hash {
		s.status = fresh
	} else {
		// Re-entry without an invalidate for the same output: keep what the
		// previous pass accumulated for this hash.
		s.logger.Debug(context.Background(), "Merging build into unchanged hash", "hash", *fresh.Hash)
		merged := fresh
		merged.TSC = s.status.TSC
		merged.AwaitingTypeCheck = s.status.AwaitingTypeCheck
		merged.FileMap = s.status.FileMap
		s.status = merged
	}

	s.addFiles(recordFiles(errs)...)
	s.addFiles(recordFiles(warnings)...)
	s.broadcast(ActionDone)
}

// WaitingForTypeCheck marks the current build as awaiting type-check
// results without broadcasting.
func (s *Store) WaitingForTypeCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Hash != nil {
		s.status.AwaitingTypeCheck = true
	}
}

// TypeCheckDone applies type-check issues computed for the build identified
// by hash. A hash that does not match the current build returns an error
// wrapping ErrHashMismatch and leaves the status untouched.
func (s *Store) TypeCheckDone(issues []typecheck.Issue, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.status.HashValue()
	if s.status.Hash == nil || current != hash {
		err := deverrors.NewHashMismatchError(current, hash)
		s.logger.Error(context.Background(), err, "Type check result does not match current build")
		return err
	}

	errs, warnings := typecheck.Partition(issues)
	if errs == nil {
		errs = []typecheck.Issue{}
	}
	if warnings == nil {
		warnings = []typecheck.Issue{}
	}
	s.status.TSC = &TypeScriptIssues{Errors: errs, Warnings: warnings}
	s.status.AwaitingTypeCheck = false

	files := make([]string, 0, len(issues))
	for _, issue := range issues {
		files = append(files, issue.File)
	}
	s.addFiles(files...)

	s.broadcast(ActionTypeScript)
	return nil
}

// recordFiles lists files whose source is worth shipping for code frames.
func recordFiles(records extract.Records) []string {
	var files []string
	for _, r := range records {
		switch v := r.(type) {
		case extract.TypeScript:
			files = append(files, v.File)
		case extract.SyntaxError:
			files = append(files, v.File)
		}
	}
	return files
}

// addFiles reads each file not yet in the file map. Missing files are
// skipped. Callers hold mu.
func (s *Store) addFiles(files ...string) {
	for _, file := range files {
		if file == "" {
			continue
		}
		if _, ok := s.status.FileMap[file]; ok {
			continue
		}
		data, err := s.readFile(file)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug(context.Background(), "Skipping unreadable source", "file", file, "error", err.Error())
			}
			continue
		}
		s.status.FileMap[file] = string(data)
	}
}

func (s *Store) encode(action Action) ([]byte, error) {
	payload, err := json.Marshal(Message{Action: action, Status: s.status})
	if err != nil {
		s.logger.Error(context.Background(), err, "Failed to encode status", "action", action)
	}
	return payload, err
}

// broadcast sends the current status to every listener. Callers hold mu.
func (s *Store) broadcast(action Action) {
	payload, err := s.encode(action)
	if err != nil {
		return
	}
	for sub := range s.listeners {
		s.deliver(sub, payload)
	}
}

func (s *Store) deliver(sub *subscription, payload []byte) {
	if err := sub.listener.Send(payload); err != nil {
		s.logger.Debug(context.Background(), "Dropping listener", "error", err.Error())
		delete(s.listeners, sub)
	}
}
