// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/specforge/specforge/internal/orchestrator/models"
)

// fakeClock is a settable clock for deterministic timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is a single in-memory store implementing every repository port.
// Writes deep-copy nothing; tests treat returned pointers as snapshots via
// the copy-on-read helpers below.
type memStore struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	runs        map[string]*models.PipelineRun
	steps       map[string]*models.PipelineStepRun
	agentRuns   []models.AgentRun
	artifacts   []models.Artifact
	deadLetters []models.DeadLetterEvent
	runSeq      int

	// failure injection
	failStepUpdate error
}

func newMemStore() *memStore {
	return &memStore{
		tasks: make(map[string]*models.Task),
		runs:  make(map[string]*models.PipelineRun),
		steps: make(map[string]*models.PipelineStepRun),
	}
}

func (s *memStore) addTask(task *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *memStore) GetTaskByID(_ context.Context, taskID, tenantID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (s *memStore) CreatePipelineRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runSeq++
	run.CreatedAt = time.Unix(int64(s.runSeq), 0)
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memStore) GetPipelineRunByID(_ context.Context, runID string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (s *memStore) GetLatestPipelineRunByTaskID(_ context.Context, taskID string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PipelineRun
	for _, run := range s.runs {
		if run.TaskID != taskID {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (s *memStore) GetPipelineRunsByTaskID(_ context.Context, taskID string) ([]models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []models.PipelineRun
	for _, run := range s.runs {
		if run.TaskID == taskID {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func (s *memStore) UpdatePipelineRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return errors.New("pipeline run not found")
	}
	copied := *run
	copied.CreatedAt = s.runs[run.ID].CreatedAt
	s.runs[run.ID] = &copied
	return nil
}

func (s *memStore) CreateStepRun(_ context.Context, step *models.PipelineStepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step.CreatedAt = time.Now()
	copied := *step
	s.steps[step.ID] = &copied
	return nil
}

func (s *memStore) GetStepRunByID(_ context.Context, stepRunID string) (*models.PipelineStepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepRunID]
	if !ok {
		return nil, nil
	}
	copied := *step
	return &copied, nil
}

func (s *memStore) GetStepRunsByPipelineRunID(_ context.Context, runID string) ([]models.PipelineStepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var steps []models.PipelineStepRun
	for _, step := range s.steps {
		if step.PipelineRunID == runID {
			steps = append(steps, *step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StepNumber != steps[j].StepNumber {
			return steps[i].StepNumber < steps[j].StepNumber
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

func (s *memStore) UpdateStepRun(_ context.Context, step *models.PipelineStepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStepUpdate != nil {
		return s.failStepUpdate
	}
	if _, ok := s.steps[step.ID]; !ok {
		return errors.New("step run not found")
	}
	copied := *step
	copied.CreatedAt = s.steps[step.ID].CreatedAt
	s.steps[step.ID] = &copied
	return nil
}

func (s *memStore) CreateAgentRun(_ context.Context, agentRun *models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRuns = append(s.agentRuns, *agentRun)
	return nil
}

func (s *memStore) CreateArtifact(_ context.Context, artifact *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.artifacts {
		if existing.StepRunID == artifact.StepRunID {
			return errors.New("unique constraint violation: artifacts.step_run_id")
		}
	}
	s.artifacts = append(s.artifacts, *artifact)
	return nil
}

func (s *memStore) CreateDeadLetter(_ context.Context, event *models.DeadLetterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, *event)
	return nil
}

func (s *memStore) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetterEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]models.DeadLetterEvent, len(s.deadLetters))
	copy(events, s.deadLetters)
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *memStore) stepByID(id string) models.PipelineStepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.steps[id]
}

func (s *memStore) runByID(id string) models.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

// billingCall records one ConsumeCredits invocation.
type billingCall struct {
	params ConsumeCreditsParams
	at     int // global call sequence observed by the fake
}

// fakeBilling scripts balance and consume behavior and records every call.
type fakeBilling struct {
	mu           sync.Mutex
	balance      int64
	balanceErr   error
	consumeErr   error
	consumeCalls []billingCall
	seq          *callSequencer
}

func (b *fakeBilling) GetBalance(_ context.Context, tenantID string) (*Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balanceErr != nil {
		return nil, b.balanceErr
	}
	return &Balance{TenantID: tenantID, Credits: b.balance}, nil
}

func (b *fakeBilling) ConsumeCredits(_ context.Context, params ConsumeCreditsParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	at := 0
	if b.seq != nil {
		at = b.seq.next("consume_credits")
	}
	b.consumeCalls = append(b.consumeCalls, billingCall{params: params, at: at})
	return b.consumeErr
}

func (b *fakeBilling) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.consumeCalls))
	for _, call := range b.consumeCalls {
		keys = append(keys, call.params.IdempotencyKey)
	}
	return keys
}

// callSequencer hands out a global ordering across fakes so tests can assert
// artifact-before-billing style properties.
type callSequencer struct {
	mu sync.Mutex
	n  int
	at map[string]int
}

func newCallSequencer() *callSequencer {
	return &callSequencer{at: make(map[string]int)}
}

func (c *callSequencer) next(label string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.at[label] = c.n
	return c.n
}

func (c *callSequencer) posOf(label string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at[label]
}

// scriptedExecutor returns scripted outcomes per invocation; after the script
// is exhausted it keeps succeeding.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures []error // nil entry means success
	calls    int
	output   string
	seq      *callSequencer

	// onExecute lets a test mutate state mid-flight (e.g. cancel the run).
	onExecute func(call int)
}

func (e *scriptedExecutor) Execute(_ context.Context, _ models.AgentType, _ AgentInputs) (*AgentResult, error) {
	e.mu.Lock()
	call := e.calls
	e.calls++
	var scripted error
	if call < len(e.failures) {
		scripted = e.failures[call]
	}
	hook := e.onExecute
	e.mu.Unlock()

	if e.seq != nil {
		e.seq.next("agent_execute")
	}
	if hook != nil {
		hook(call)
	}
	if scripted != nil {
		return nil, scripted
	}
	output := e.output
	if output == "" {
		output = "generated artifact content"
	}
	return &AgentResult{
		Output:           output,
		Model:            "test-model",
		PromptTokens:     1500,
		CompletionTokens: 800,
	}, nil
}

// recordingAudit captures audit events; optionally fails every call.
type recordingAudit struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (a *recordingAudit) LogEvent(_ context.Context, eventType, _, _, _, _ string, _ models.JSONMap) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
	return a.err
}

// recordingScheduler captures scheduled retries; optionally fails.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []int // retry counts in order
	err   error
}

func (r *recordingScheduler) ScheduleRetry(_ context.Context, _, _, _ string, retryCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, retryCount)
	return r.err
}

// env bundles a fully wired service over fakes.
type env struct {
	store     *memStore
	billing   *fakeBilling
	executor  *scriptedExecutor
	audit     *recordingAudit
	scheduler *recordingScheduler
	clock     *fakeClock
	seq       *callSequencer
	service   *PipelineService
	task      *models.Task
}

type envConfig struct {
	noScheduler   bool
	noDeadLetters bool
}

type envOption func(*envConfig)

func withoutScheduler() envOption {
	return func(c *envConfig) { c.noScheduler = true }
}

func withoutDeadLetters() envOption {
	return func(c *envConfig) { c.noDeadLetters = true }
}

func newEnv(opts ...envOption) *env {
	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	seq := newCallSequencer()
	e := &env{
		store:     newMemStore(),
		billing:   &fakeBilling{balance: 1000, seq: seq},
		executor:  &scriptedExecutor{seq: seq},
		audit:     &recordingAudit{},
		scheduler: &recordingScheduler{},
		clock:     newFakeClock(),
		seq:       seq,
	}
	if cfg.noScheduler {
		e.scheduler = nil
	}

	e.task = &models.Task{
		ID:        "task_123",
		ProjectID: "proj_1",
		TenantID:  "tenant_abc",
		Title:     "Build REST API",
		InputSpec: models.JSONMap{"language": "go"},
		Status:    models.TaskStatusPending,
	}
	e.store.addTask(e.task)

	deps := PipelineServiceDeps{
		Tasks:     e.store,
		Runs:      e.store,
		Steps:     e.store,
		AgentRuns: e.store,
		Artifacts: e.store,
		Billing:   e.billing,
		Executor:  e.executor,
		Audit:     e.audit,
		Clock:     e.clock,
	}
	if !cfg.noDeadLetters {
		deps.DeadLetters = e.store
	}
	if e.scheduler != nil {
		deps.Scheduler = e.scheduler
	}
	e.service = NewPipelineService(deps)
	return e
}
