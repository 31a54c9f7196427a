package worker

import (
	"fmt"
	"sync"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/persona"
)

// Logger is the subset of the console logger the supervisor needs.
// A nil logger disables output.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// LockTable grants exclusive task ownership. The scheduler owns the table;
// the supervisor acquires before spawning so a worker never starts for a
// task another worker holds.
type LockTable interface {
	// Acquire returns false when the task is already held.
	Acquire(taskID, workerID string) bool

	// Release frees the lock if workerID still holds it.
	Release(taskID, workerID string)
}

// SpawnRequest carries everything needed to start a worker on a task.
type SpawnRequest struct {
	Task *models.Task

	// PlanPath is the plan file the startup prompt points the agent at.
	PlanPath string

	// IssuesDigest is injected into integration task prompts.
	IssuesDigest string
}

// Supervisor is the worker pool. It assigns worker ids, acquires task
// locks before spawn, and kills workers individually or as a group.
type Supervisor struct {
	cfg         *config.Config
	projectRoot string
	locks       LockTable
	sink        Sink
	log         Logger

	mu      sync.Mutex
	build   CommandBuilder
	seq     int
	workers map[string]*Worker
}

// NewSupervisor builds an empty pool. locks and sink must be non-nil;
// log may be nil.
func NewSupervisor(cfg *config.Config, projectRoot string, locks LockTable, sink Sink, log Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		projectRoot: projectRoot,
		locks:       locks,
		sink:        sink,
		log:         log,
		build:       defaultCommand,
		workers:     make(map[string]*Worker),
	}
}

// SetCommandBuilder substitutes the agent command constructor. Tests use
// this to run a stub agent.
func (s *Supervisor) SetCommandBuilder(build CommandBuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if build != nil {
		s.build = build
	}
}

// Spawn acquires the task lock, composes the startup prompt, and starts a
// worker. The lock is released again if the child fails to start.
func (s *Supervisor) Spawn(req SpawnRequest) (*Worker, error) {
	if req.Task == nil {
		return nil, fmt.Errorf("spawn request has no task")
	}
	taskID := req.Task.ID

	s.mu.Lock()
	s.seq++
	workerID := fmt.Sprintf("worker-%d", s.seq)
	build := s.build
	s.mu.Unlock()

	if !s.locks.Acquire(taskID, workerID) {
		return nil, fmt.Errorf("task %s is already locked", taskID)
	}

	personaPrompt := persona.LoadPrompt(s.projectRoot, req.Task.Persona, warnAdapter{s.log})
	prompt := BuildStartupPrompt(PromptInput{
		Task:          req.Task,
		PlanPath:      req.PlanPath,
		PersonaPrompt: personaPrompt,
		IssuesDigest:  req.IssuesDigest,
	})

	w := NewWorker(workerID, taskID, s.cfg, build, s.sink)
	if err := w.Start(prompt); err != nil {
		s.locks.Release(taskID, workerID)
		return nil, fmt.Errorf("failed to spawn worker for task %s: %w", taskID, err)
	}

	s.mu.Lock()
	s.workers[workerID] = w
	s.mu.Unlock()

	if s.log != nil {
		s.log.LogInfo(fmt.Sprintf("worker %s started for task %s (pid %d)", workerID, taskID, w.PID()))
	}
	return w, nil
}

// Get returns the worker by id, nil when unknown.
func (s *Supervisor) Get(workerID string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[workerID]
}

// Kill terminates one worker's process tree.
func (s *Supervisor) Kill(workerID, reason string) {
	if w := s.Get(workerID); w != nil {
		w.Kill(reason)
	}
}

// KillAll terminates every live worker in parallel and waits for the
// kills to be issued.
func (s *Supervisor) KillAll(reason string) {
	s.mu.Lock()
	live := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		live = append(live, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range live {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Kill(reason)
		}(w)
	}
	wg.Wait()
}

// Remove forgets a completed worker. The scheduler calls this after
// processing the completion.
func (s *Supervisor) Remove(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
}

// Active counts registered workers.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers snapshots the registered workers.
func (s *Supervisor) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// warnAdapter narrows Logger to the persona loader's warn-only interface
// while staying nil-tolerant.
type warnAdapter struct{ log Logger }

func (a warnAdapter) LogWarn(message string) {
	if a.log != nil {
		a.log.LogWarn(message)
	}
}
