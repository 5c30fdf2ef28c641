// Package taskstate assembles the runtime-state layer: classifier,
// activity aggregator, idle tracker, status merger and lifecycle
// orchestrator, behind one service with explicit New and Close.
package taskstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/taskdeck/internal/activity"
	"github.com/asheshgoplani/taskdeck/internal/clock"
	"github.com/asheshgoplani/taskdeck/internal/config"
	"github.com/asheshgoplani/taskdeck/internal/git"
	"github.com/asheshgoplani/taskdeck/internal/idle"
	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/scripts"
	"github.com/asheshgoplani/taskdeck/internal/statedb"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/tmux"
)

var stateLog = logging.ForComponent(logging.CompSession)

// MainConversationID is the conversation every task's main terminal
// sessions report under.
const MainConversationID = "main"

// Store is the persistence the service needs beyond the orchestrator's port.
type Store interface {
	lifecycle.Store
	scripts.Recorder
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListProjects(ctx context.Context) ([]string, error)
}

var _ Store = (*statedb.StateDB)(nil)

// Options configure a Service. Store is required; every other field has a
// default built from Config.
type Options struct {
	Config        *config.Config
	Store         Store
	Clock         clock.Clock
	Protocol      status.ProtocolSource
	Sessions      lifecycle.Sessions
	WorkingCopies lifecycle.WorkingCopies
	Scripts       lifecycle.Scripts
}

// TaskView is a task with its live runtime state.
type TaskView struct {
	Task *task.Task  `json:"task"`
	Dot  status.Dot  `json:"dot"`
	Busy bool        `json:"busy"`
	Idle idle.Status `json:"idle"`
}

// NoticeListener receives lifecycle notices.
type NoticeListener func(lifecycle.Notice)

// Service owns the runtime-state components for one process.
type Service struct {
	cfg   *config.Config
	store Store

	activity *activity.Aggregator
	idle     *idle.Tracker
	merger   *status.Merger
	orch     *lifecycle.Orchestrator
	board    *task.Board

	mu         sync.Mutex
	noticeSubs map[uint64]NoticeListener
	nextNotice uint64
	closed     bool
}

// New builds the service. Tasks are not loaded until Load.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("taskstate: store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	protocol := opts.Protocol
	if protocol == nil {
		protocol = status.NewMemorySource()
	}

	s := &Service{
		cfg:        cfg,
		store:      opts.Store,
		board:      task.NewBoard(),
		noticeSubs: make(map[uint64]NoticeListener),
	}
	s.activity = activity.NewAggregator(cfg.ActivityConfig(), clk, cfg.Classifier())
	s.idle = idle.NewTracker(cfg.IdleConfig(), clk)
	s.merger = status.NewMerger(s.activity, protocol)

	sessions := opts.Sessions
	if sessions == nil {
		sessions = tmux.Sessions{}
	}
	wc := opts.WorkingCopies
	if wc == nil {
		wc = git.WorkingCopies{}
	}
	runner := opts.Scripts
	if runner == nil {
		runner = scripts.NewRunner(opts.Store, func(projectID string) scripts.Commands {
			p := cfg.Scripts(projectID)
			return scripts.Commands{Setup: p.Setup, Stop: p.Stop, Teardown: p.Teardown}
		}, cfg.Lifecycle.ScriptTimeout.Duration)
	}

	s.orch = lifecycle.New(lifecycle.Config{TeardownTimeout: cfg.Lifecycle.TeardownTimeout.Duration}, lifecycle.Deps{
		Scripts:       runner,
		Sessions:      sessions,
		Store:         opts.Store,
		WorkingCopies: wc,
		Notifier:      lifecycle.NotifierFunc(s.broadcast),
		Board:         s.board,
		Runtime:       []lifecycle.RuntimeState{s.merger, s.activity, s.idle},
		Dots:          s.merger,
		Clock:         clk,
	})
	return s, nil
}

// Load reads every active task from the store onto the board and registers
// their conversations.
func (s *Service) Load(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	total := 0
	for _, p := range projects {
		tasks, err := s.store.ListTasks(ctx, p)
		if err != nil {
			return fmt.Errorf("list tasks for %s: %w", p, err)
		}
		s.board.Replace(p, tasks)
		for _, t := range tasks {
			s.track(t)
		}
		total += len(tasks)
	}
	stateLog.Info("tasks_loaded", slog.Int("projects", len(projects)), slog.Int("tasks", total))
	return nil
}

// track registers the task's conversations and arms auto-archive when
// configured.
func (s *Service) track(t *task.Task) {
	if len(t.Providers) > 0 || len(t.Variants) > 0 {
		if err := s.merger.RegisterConversation(t.ID, MainConversationID, task.BackendTerminal, ""); err != nil {
			stateLog.Warn("register_main_failed", slog.String("task", t.ID), slog.String("error", err.Error()))
		}
	}
	for _, c := range t.Conversations {
		if err := s.merger.RegisterConversation(t.ID, c.ID, c.Backend, c.SessionKey); err != nil {
			stateLog.Warn("register_conversation_failed",
				slog.String("task", t.ID), slog.String("conversation", c.ID), slog.String("error", err.Error()))
		}
	}
	if s.cfg.Lifecycle.AutoArchive {
		s.orch.ArmAutoArchive(t)
	}
}

// CreateTask persists a new task and starts tracking it. Missing ID and
// CreatedAt are filled in.
func (s *Service) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.ProjectID == "" || t.Name == "" {
		return nil, errors.New("task needs a project and a name")
	}
	t = t.Clone()
	if t.ID == "" {
		t.ID = task.NewID()
	}
	t.ArchivedAt = nil
	for _, c := range t.Conversations {
		if err := validateConversation(c); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	saved, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.board.Prepend(saved.ProjectID, saved)
	s.track(saved)
	return saved, nil
}

func validateConversation(c task.Conversation) error {
	if c.ID == "" {
		return errors.New("conversation needs an id")
	}
	if !c.Backend.Valid() {
		return fmt.Errorf("conversation %s: %w: %q", c.ID, task.ErrUnknownBackendKind, c.Backend)
	}
	if c.Backend == task.BackendProtocol && c.SessionKey == "" {
		return fmt.Errorf("conversation %s: %w", c.ID, task.ErrMissingSessionKey)
	}
	return nil
}

// AddConversation attaches c to the task, persists it and registers it
// with the merger. Re-adding an ID replaces the previous conversation.
func (s *Service) AddConversation(ctx context.Context, taskID string, c task.Conversation) error {
	if err := validateConversation(c); err != nil {
		return err
	}
	t, err := s.lookup(ctx, taskID)
	if err != nil {
		return err
	}
	updated := t.Clone()
	replaced := false
	for i := range updated.Conversations {
		if updated.Conversations[i].ID == c.ID {
			updated.Conversations[i] = c
			replaced = true
		}
	}
	if !replaced {
		updated.Conversations = append(updated.Conversations, c)
	}
	if err := s.store.SaveTask(ctx, updated); err != nil {
		return err
	}
	s.replaceOnBoard(updated)
	if updated.Archived() {
		return nil
	}
	return s.merger.RegisterConversation(taskID, c.ID, c.Backend, c.SessionKey)
}

// RemoveConversation detaches a conversation from the task.
func (s *Service) RemoveConversation(ctx context.Context, taskID, convID string) error {
	t, err := s.lookup(ctx, taskID)
	if err != nil {
		return err
	}
	updated := t.Clone()
	kept := updated.Conversations[:0]
	for _, c := range updated.Conversations {
		if c.ID != convID {
			kept = append(kept, c)
		}
	}
	updated.Conversations = kept
	if err := s.store.SaveTask(ctx, updated); err != nil {
		return err
	}
	s.replaceOnBoard(updated)
	s.merger.UnregisterConversation(taskID, convID)
	return nil
}

func (s *Service) replaceOnBoard(t *task.Task) {
	for i, cur := range s.board.Tasks(t.ProjectID) {
		if cur.ID == t.ID {
			s.board.Insert(t.ProjectID, i, t)
			return
		}
	}
}

// lookup finds a task on the board, falling back to the store for archived
// tasks.
func (s *Service) lookup(ctx context.Context, taskID string) (*task.Task, error) {
	if t, ok := s.board.Find(taskID); ok {
		return t, nil
	}
	return s.store.GetTask(ctx, taskID)
}

// HandleOutput routes one output chunk of a transport session. An empty
// kind uses the session's provider.
func (s *Service) HandleOutput(sessionID, kind string, chunk []byte) (activity.Verdict, error) {
	ref, err := task.ParseSessionID(sessionID)
	if err != nil {
		return activity.Neutral, err
	}
	if kind == "" {
		kind = ref.Provider
	}
	taskID := ref.TaskID
	s.idle.ObserveOutput(taskID)
	return s.activity.Observe(taskID, kind, string(chunk)), nil
}

// HandleStart records a session start: the task is active again and
// terminal conversations drop any stale error.
func (s *Service) HandleStart(sessionID string) error {
	ref, err := task.ParseSessionID(sessionID)
	if err != nil {
		return err
	}
	s.idle.ObserveStart(ref.TaskID)
	s.merger.SetTerminalDot(ref.TaskID, status.DotReady)
	return nil
}

// HandleExit records a session exit. Abnormal exits mark the task's
// terminal conversations red.
func (s *Service) HandleExit(sessionID string, exit idle.Exit) error {
	ref, err := task.ParseSessionID(sessionID)
	if err != nil {
		return err
	}
	s.idle.ObserveExit(ref.TaskID, exit)
	s.activity.SetNotBusy(ref.TaskID)
	if exit.Failed() {
		s.merger.SetTerminalDot(ref.TaskID, status.DotError)
		stateLog.Info("session_failed",
			slog.String("session", sessionID), slog.Int("code", exit.Code), slog.String("signal", exit.Signal))
	}
	return nil
}

// TmuxCallbacks routes tmux tap events into the service. A vanished
// session counts as a clean exit since control mode does not report the
// pane's exit status.
func (s *Service) TmuxCallbacks() tmux.Callbacks {
	logErr := func(event, sessionID string, err error) {
		if err != nil {
			stateLog.Debug(event, slog.String("session", sessionID), slog.String("error", err.Error()))
		}
	}
	return tmux.Callbacks{
		OnStart: func(sessionID string) {
			logErr("tap_start_ignored", sessionID, s.HandleStart(sessionID))
		},
		OnOutput: func(sessionID string, data []byte) {
			_, err := s.HandleOutput(sessionID, "", data)
			logErr("tap_output_ignored", sessionID, err)
		},
		OnEnd: func(sessionID string) {
			logErr("tap_exit_ignored", sessionID, s.HandleExit(sessionID, idle.Exit{}))
		},
	}
}

// View returns the task with its runtime state.
func (s *Service) View(ctx context.Context, taskID string) (TaskView, error) {
	t, err := s.lookup(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	return s.view(t), nil
}

func (s *Service) view(t *task.Task) TaskView {
	return TaskView{
		Task: t,
		Dot:  s.merger.Dot(t.ID),
		Busy: s.activity.IsBusy(t.ID),
		Idle: s.idle.Status(t.ID),
	}
}

// Views lists the project's active tasks, or every project's when
// projectID is empty.
func (s *Service) Views(projectID string) []TaskView {
	projects := []string{projectID}
	if projectID == "" {
		projects = s.board.Projects()
	}
	var out []TaskView
	for _, p := range projects {
		for _, t := range s.board.Tasks(p) {
			out = append(out, s.view(t))
		}
	}
	return out
}

// Dot returns the merged status dot of a task.
func (s *Service) Dot(taskID string) status.Dot {
	return s.merger.Dot(taskID)
}

// SubscribeDots registers fn for every task's dot changes.
func (s *Service) SubscribeDots(fn status.Listener) status.SubscriptionID {
	return s.merger.SubscribeAll(fn)
}

// SubscribeTask registers fn for one task; fn is called immediately.
func (s *Service) SubscribeTask(taskID string, fn status.Listener) status.SubscriptionID {
	return s.merger.Subscribe(taskID, fn)
}

// Unsubscribe removes a dot subscription.
func (s *Service) Unsubscribe(id status.SubscriptionID) {
	s.merger.Unsubscribe(id)
}

// SubscribeIdle registers fn for idle-tracker changes.
func (s *Service) SubscribeIdle(fn idle.Listener) idle.SubscriptionID {
	return s.idle.Subscribe(fn)
}

// UnsubscribeIdle removes an idle subscription.
func (s *Service) UnsubscribeIdle(id idle.SubscriptionID) {
	s.idle.Unsubscribe(id)
}

// Delete deletes the task by ID.
func (s *Service) Delete(ctx context.Context, taskID string, opts lifecycle.Options) (lifecycle.Report, error) {
	t, err := s.lookup(ctx, taskID)
	if err != nil {
		return lifecycle.Report{}, err
	}
	return s.orch.Delete(ctx, t, opts)
}

// Archive archives the task by ID.
func (s *Service) Archive(ctx context.Context, taskID string, opts lifecycle.Options) (lifecycle.Report, error) {
	t, err := s.lookup(ctx, taskID)
	if err != nil {
		return lifecycle.Report{}, err
	}
	if t.Archived() {
		return lifecycle.Report{TaskID: taskID, Op: lifecycle.OpArchive}, nil
	}
	return s.orch.Archive(ctx, t, opts)
}

// Restore restores an archived task and resumes tracking it.
func (s *Service) Restore(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	restored, err := s.orch.Restore(ctx, t)
	if err != nil || restored == nil {
		return restored, err
	}
	s.track(restored)
	return restored, nil
}

// Board exposes the in-memory task list.
func (s *Service) Board() *task.Board {
	return s.board
}

// Orchestrator exposes the lifecycle orchestrator.
func (s *Service) Orchestrator() *lifecycle.Orchestrator {
	return s.orch
}

// SubscribeNotices registers fn for lifecycle notices and returns a
// function that removes it.
func (s *Service) SubscribeNotices(fn NoticeListener) (cancel func()) {
	s.mu.Lock()
	s.nextNotice++
	id := s.nextNotice
	s.noticeSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.noticeSubs, id)
		s.mu.Unlock()
	}
}

func (s *Service) broadcast(n lifecycle.Notice) {
	stateLog.Info("notice", slog.String("level", string(n.Level)), slog.String("task", n.TaskID), slog.String("message", n.Message))
	s.mu.Lock()
	subs := make([]NoticeListener, 0, len(s.noticeSubs))
	for _, fn := range s.noticeSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		callNotice(fn, n)
	}
}

func callNotice(fn NoticeListener, n lifecycle.Notice) {
	defer func() {
		if r := recover(); r != nil {
			stateLog.Warn("notice_listener_panic", slog.String("task", n.TaskID), slog.Any("panic", r))
		}
	}()
	fn(n)
}

// Close releases every component. It is safe to call twice.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.orch.Close()
	s.merger.Close()
	s.activity.Close()
	s.idle.Close()
}
