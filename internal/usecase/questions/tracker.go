// Package questions tracks interactive prompts awaiting a decision and the
// per-pane auto-accept policy.
package questions

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"clawremote/internal/domain"
	"clawremote/internal/usecase/statestore"
)

// DefaultGrace is how long a locally answered question id stays suppressed.
const DefaultGrace = 10 * time.Second

// AnswerSink delivers an answer somewhere it will eventually reach the host.
type AnswerSink interface {
	Deliver(ctx context.Context, answer domain.AnswerCommand) (Path, error)
}

// JobView exposes the declared jobs and their statuses.
type JobView interface {
	Snapshot() statestore.Snapshot
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGrace overrides the suppression window.
func WithGrace(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.grace = d
		}
	}
}

// WithClock injects the time source used for suppression bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker holds the active question set. Authoritative pushes replace it
// wholesale, minus ids answered locally within the grace window.
type Tracker struct {
	mu            sync.Mutex
	active        []domain.Question
	dismissed     map[string]time.Time
	autoYes       map[string]struct{}
	unsynced      bool
	authoritative bool

	grace  time.Duration
	now    func() time.Time
	sink   AnswerSink
	mirror domain.CommandSender
	store  domain.DurableStore
	jobs   JobView
	bus    domain.EventBus
	logger *slog.Logger
}

// NewTracker creates a tracker. mirror receives set_auto_yes_panes updates;
// store persists the auto-accept pane set. bus and jobs may be nil.
func NewTracker(sink AnswerSink, mirror domain.CommandSender, store domain.DurableStore,
	jobs JobView, bus domain.EventBus, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		dismissed: make(map[string]time.Time),
		autoYes:   make(map[string]struct{}),
		grace:     DefaultGrace,
		now:       time.Now,
		sink:      sink,
		mirror:    mirror,
		store:     store,
		jobs:      jobs,
		bus:       bus,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetAuthoritative replaces the active set with a relay push. Questions
// appearing for the first time on a pane with auto-accept enabled are
// answered immediately. On the first push every question counts as new,
// since anything already active came from the cache and was never acted on.
func (t *Tracker) SetAuthoritative(ctx context.Context, questions []domain.Question) {
	t.mu.Lock()
	now := t.now()
	t.pruneLocked(now)

	prev := make(map[string]struct{}, len(t.active))
	if t.authoritative {
		for _, q := range t.active {
			prev[q.QuestionID] = struct{}{}
		}
	}

	next := make([]domain.Question, 0, len(questions))
	var fresh []domain.Question
	for _, q := range questions {
		if _, gone := t.dismissed[q.QuestionID]; gone {
			continue
		}
		next = append(next, q)
		if _, seen := prev[q.QuestionID]; !seen {
			fresh = append(fresh, q)
		}
	}
	t.active = next
	t.authoritative = true
	auto := t.autoAnswersLocked(fresh, now)
	t.mu.Unlock()

	t.publishChanged(ctx)
	t.deliverAll(ctx, auto)
}

// Answer optimistically removes the question and delivers the chosen option.
// It reports the path the answer took.
func (t *Tracker) Answer(ctx context.Context, questionID, paneID, option string) (Path, error) {
	if questionID == "" || option == "" {
		return PathNone, domain.NewDomainError("questions.Answer", domain.ErrInvalidInput, "question id and option are required")
	}
	answer := domain.AnswerCommand{QuestionID: questionID, PaneID: paneID, Answer: option}

	t.mu.Lock()
	t.dismissLocked(questionID, t.now())
	t.mu.Unlock()

	t.publishChanged(ctx)
	t.publish(ctx, domain.NewEvent(domain.EventQuestionAnswered, answer))
	return t.sink.Deliver(ctx, answer)
}

// InjectFromExternal adds a question learned out-of-band, such as from a
// push notification. It reports whether the question was added.
func (t *Tracker) InjectFromExternal(ctx context.Context, q domain.Question) bool {
	t.mu.Lock()
	now := t.now()
	t.pruneLocked(now)
	if _, gone := t.dismissed[q.QuestionID]; gone || t.indexLocked(q.QuestionID) >= 0 {
		t.mu.Unlock()
		return false
	}
	t.active = append(t.active, q)
	auto := t.autoAnswersLocked([]domain.Question{q}, now)
	t.mu.Unlock()

	t.publishChanged(ctx)
	t.deliverAll(ctx, auto)
	return true
}

// Hydrate fills the active set from the offline cache. It is a no-op once an
// authoritative push has arrived.
func (t *Tracker) Hydrate(ctx context.Context, questions []domain.Question) bool {
	t.mu.Lock()
	if t.authoritative {
		t.mu.Unlock()
		return false
	}
	t.pruneLocked(t.now())
	next := make([]domain.Question, 0, len(questions))
	for _, q := range questions {
		if _, gone := t.dismissed[q.QuestionID]; !gone {
			next = append(next, q)
		}
	}
	t.active = next
	t.mu.Unlock()

	t.publishChanged(ctx)
	return true
}

// Active returns a copy of the active question set.
func (t *Tracker) Active() []domain.Question {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.active)
}

// Authoritative reports whether a relay push has been applied.
func (t *Tracker) Authoritative() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authoritative
}

// ResolveOwningJob maps a question to the running job that produced it: by
// the explicit match field, then by working directory, then by group label.
// It returns nil when the question belongs to an undeclared process.
func (t *Tracker) ResolveOwningJob(q domain.Question) *domain.JobOwner {
	if t.jobs == nil {
		return nil
	}
	snap := t.jobs.Snapshot()

	if q.MatchedJob != "" {
		for _, j := range snap.Jobs {
			if j.Name == q.MatchedJob {
				return &domain.JobOwner{Job: j.Name, Group: firstNonEmpty(j.Group, q.MatchedGroup)}
			}
		}
	}

	var running []domain.Job
	for _, j := range snap.Jobs {
		if snap.Status(j.Name).IsRunning() {
			running = append(running, j)
		}
	}

	if q.CWD != "" {
		for _, j := range running {
			if sameDir(q.CWD, j.WorkDir) || sameDir(q.CWD, j.Path) {
				return &domain.JobOwner{Job: j.Name, Group: j.Group}
			}
		}
	}

	if q.MatchedGroup != "" {
		for _, j := range running {
			if j.Group == q.MatchedGroup {
				return &domain.JobOwner{Job: j.Name, Group: j.Group}
			}
		}
	}
	return nil
}

func (t *Tracker) indexLocked(questionID string) int {
	return slices.IndexFunc(t.active, func(q domain.Question) bool { return q.QuestionID == questionID })
}

func (t *Tracker) dismissLocked(questionID string, now time.Time) {
	t.active = slices.DeleteFunc(t.active, func(q domain.Question) bool { return q.QuestionID == questionID })
	t.dismissed[questionID] = now
}

func (t *Tracker) pruneLocked(now time.Time) {
	for id, at := range t.dismissed {
		if now.Sub(at) >= t.grace {
			delete(t.dismissed, id)
		}
	}
}

// autoAnswersLocked dismisses, and returns answers for, the candidates whose
// pane has auto-accept enabled.
func (t *Tracker) autoAnswersLocked(candidates []domain.Question, now time.Time) []domain.AnswerCommand {
	var out []domain.AnswerCommand
	for _, q := range candidates {
		if _, on := t.autoYes[q.PaneID]; !on {
			continue
		}
		option, ok := q.AffirmativeOption()
		if !ok {
			continue
		}
		t.dismissLocked(q.QuestionID, now)
		out = append(out, domain.AnswerCommand{QuestionID: q.QuestionID, PaneID: q.PaneID, Answer: option})
	}
	return out
}

func (t *Tracker) deliverAll(ctx context.Context, answers []domain.AnswerCommand) {
	if len(answers) == 0 {
		return
	}
	t.publishChanged(ctx)
	for _, a := range answers {
		t.logger.Info("auto-accepting question", "question_id", a.QuestionID, "pane_id", a.PaneID, "answer", a.Answer)
		t.publish(ctx, domain.NewEvent(domain.EventQuestionAnswered, a))
		if _, err := t.sink.Deliver(ctx, a); err != nil {
			t.logger.Error("auto-accept delivery failed", "question_id", a.QuestionID, "error", err)
		}
	}
}

func (t *Tracker) publishChanged(ctx context.Context) {
	t.publish(ctx, domain.NewEvent(domain.EventQuestionsChanged, map[string]int{"active": len(t.Active())}))
}

func (t *Tracker) publish(ctx context.Context, ev domain.Event) {
	if t.bus != nil {
		t.bus.Publish(ctx, ev)
	}
}

func sameDir(cwd, dir string) bool {
	if dir == "" {
		return false
	}
	cwd, dir = filepath.Clean(cwd), filepath.Clean(dir)
	return cwd == dir || strings.HasPrefix(cwd, dir+string(filepath.Separator))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
