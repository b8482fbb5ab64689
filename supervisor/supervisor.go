// Package supervisor launches tool server processes, waits for them to
// become ready and guarantees they are stopped again.
//
// A Supervisor owns every process it starts; callers receive the
// *ManagedProcess for inspection but stopping goes through the supervisor
// (or the process's own idempotent Stop). The usual shape is:
//
//	sup := supervisor.New(log)
//	defer sup.StopAll()
//	if _, err := sup.Start(ctx, spec); err != nil {
//	    return err
//	}
package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/logger"
)

// Supervisor tracks at most one running process per logical server name.
type Supervisor struct {
	log *slog.Logger

	mu       sync.Mutex
	procs    map[string]*ManagedProcess
	starting map[string]bool
	order    []string
}

func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = logger.Discard()
	}
	return &Supervisor{
		log:      log,
		procs:    make(map[string]*ManagedProcess),
		starting: make(map[string]bool),
	}
}

// Start launches spec unless a process with the same name is already
// starting or running, in which case it returns ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*ManagedProcess, error) {
	if spec.Name == "" {
		spec.Name = spec.Path
	}
	s.mu.Lock()
	if s.starting[spec.Name] {
		s.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrAlreadyRunning, "%s is starting", spec.Name)
	}
	if p, ok := s.procs[spec.Name]; ok && p.Running() {
		s.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrAlreadyRunning, "%s (pid %d)", spec.Name, p.PID())
	}
	s.starting[spec.Name] = true
	s.mu.Unlock()

	if spec.Logger == nil {
		spec.Logger = s.log
	}
	p, err := Start(ctx, spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, spec.Name)
	if err != nil {
		return nil, err
	}
	if _, seen := s.procs[spec.Name]; !seen {
		s.order = append(s.order, spec.Name)
	}
	s.procs[spec.Name] = p
	return p, nil
}

// Get returns the most recent process started under name.
func (s *Supervisor) Get(name string) (*ManagedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

// Stop stops the named process. Unknown names are ignored.
func (s *Supervisor) Stop(name string) {
	p, _ := s.Get(name)
	p.Stop()
}

// StopAll stops every process in reverse start order.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()
	for i := len(names) - 1; i >= 0; i-- {
		s.Stop(names[i])
	}
}
