package questions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawremote/internal/domain"
)

func TestAnsweredQuestionStaysSuppressedWithinGrace(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})
	_, err := f.tracker.Answer(ctx, "q1", "%5", "2")
	require.NoError(t, err)
	assert.Empty(t, f.tracker.Active(), "answer removes optimistically")

	f.clock.Advance(2 * time.Second)
	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})
	assert.Empty(t, f.tracker.Active(), "stale push must not resurrect q1")

	f.clock.Advance(9 * time.Second)
	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})
	assert.Equal(t, []string{"q1"}, ids(f.tracker.Active()), "re-asked after grace")

	delivered := f.sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, domain.AnswerCommand{QuestionID: "q1", PaneID: "%5", Answer: "2"}, delivered[0])
}

func TestSetAuthoritativeReplacesWholesale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%1"), question("q2", "%2")})
	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q3", "%3")})

	assert.Equal(t, []string{"q3"}, ids(f.tracker.Active()))
	assert.True(t, f.tracker.Authoritative())
}

func TestAnswerRequiresOption(t *testing.T) {
	f := newFixture()
	path, err := f.tracker.Answer(context.Background(), "q1", "%5", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, PathNone, path)
	assert.Empty(t, f.sink.delivered())
}

func TestAnswerReportsDeliveryPath(t *testing.T) {
	f := newFixture()
	f.sink.path = PathQueued
	ctx := context.Background()

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})
	path, err := f.tracker.Answer(ctx, "q1", "%5", "1")
	require.NoError(t, err)
	assert.Equal(t, PathQueued, path)
}

func TestAutoAcceptAnswersNewQuestion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%5", true))

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})

	delivered := f.sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, domain.AnswerCommand{QuestionID: "q1", PaneID: "%5", Answer: "1"}, delivered[0])
	assert.Empty(t, f.tracker.Active(), "auto-answered question is suppressed")

	f.clock.Advance(3 * time.Second)
	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})
	assert.Empty(t, f.tracker.Active())
	assert.Len(t, f.sink.delivered(), 1, "answered once")
}

func TestAutoAcceptIgnoresOtherPanes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%5", true))

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q2", "%6")})

	assert.Empty(t, f.sink.delivered())
	assert.Equal(t, []string{"q2"}, ids(f.tracker.Active()))
}

func TestEnablingAutoAcceptAnswersActiveQuestions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5"), question("q2", "%6")})
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%5", true))

	delivered := f.sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "q1", delivered[0].QuestionID)
	assert.Equal(t, []string{"q2"}, ids(f.tracker.Active()))
}

func TestSetAutoAcceptPersistsAndMirrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%7", true))
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%5", true))
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%7", false))

	raw, err := f.store.Get(ctx, domain.KeyAutoYesPanes)
	require.NoError(t, err)
	assert.JSONEq(t, `["%5"]`, string(raw))

	sent := f.sender.sent()
	require.Len(t, sent, 3)
	last := sent[2]
	assert.Equal(t, domain.MsgSetAutoYesPanes, last.Type)
	assert.Equal(t, []string{"%5"}, last.PaneIDs)
}

func TestSetAutoAcceptOfflineStillPersists(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sender.err = domain.ErrNotConnected

	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%5", true))
	assert.True(t, f.tracker.AutoAccepts("%5"))
	_, err := f.store.Get(ctx, domain.KeyAutoYesPending)
	require.NoError(t, err, "unsent change is marked pending")

	f.sender.mu.Lock()
	f.sender.err = nil
	f.sender.mu.Unlock()

	require.NoError(t, f.tracker.MirrorPolicy(ctx))
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"%5"}, sent[0].PaneIDs)
	_, err = f.store.Get(ctx, domain.KeyAutoYesPending)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.tracker.MirrorPolicy(ctx))
	assert.Len(t, f.sender.sent(), 1, "synced policy is not resent")
}

func TestMirrorPolicySkipsWhenSynced(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, domain.KeyAutoYesPanes, []byte(`["%5"]`)))
	require.NoError(t, f.tracker.LoadPolicy(ctx))

	require.NoError(t, f.tracker.MirrorPolicy(ctx))
	assert.Empty(t, f.sender.sent(), "host already holds this policy")
}

func TestPendingPolicySurvivesRestart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, domain.KeyAutoYesPanes, []byte(`["%5"]`)))
	require.NoError(t, f.store.Set(ctx, domain.KeyAutoYesPending, []byte("1")))
	require.NoError(t, f.tracker.LoadPolicy(ctx))

	require.NoError(t, f.tracker.MirrorPolicy(ctx))
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.MsgSetAutoYesPanes, sent[0].Type)
	assert.Equal(t, []string{"%5"}, sent[0].PaneIDs)
}

func TestRemotePolicyReplacesLocal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sender.err = domain.ErrNotConnected
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%7", true))

	require.NoError(t, f.tracker.ApplyRemotePolicy(ctx, []string{"%2", "%1"}))

	assert.Equal(t, []string{"%1", "%2"}, f.tracker.AutoAcceptPanes())
	raw, err := f.store.Get(ctx, domain.KeyAutoYesPanes)
	require.NoError(t, err)
	assert.JSONEq(t, `["%1","%2"]`, string(raw))
	_, err = f.store.Get(ctx, domain.KeyAutoYesPending)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.sender.mu.Lock()
	f.sender.err = nil
	f.sender.mu.Unlock()
	require.NoError(t, f.tracker.MirrorPolicy(ctx))
	assert.Empty(t, f.sender.sent(), "host policy must not be overwritten on reconnect")
}

func TestRemotePolicyAnswersNewlyEnabledPanes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.tracker.SetAutoAccept(ctx, "%5", true))
	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%6")})
	require.Empty(t, f.sink.delivered())

	require.NoError(t, f.tracker.ApplyRemotePolicy(ctx, []string{"%5", "%6"}))

	delivered := f.sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "q1", delivered[0].QuestionID)
	assert.Empty(t, f.tracker.Active())

	require.NoError(t, f.tracker.ApplyRemotePolicy(ctx, []string{"%5", "%6"}))
	assert.Len(t, f.sink.delivered(), 1, "unchanged policy answers nothing")
}

func TestCachedQuestionAutoAcceptedOnFirstPush(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, domain.KeyAutoYesPanes, []byte(`["%5"]`)))
	require.NoError(t, f.tracker.LoadPolicy(ctx))

	f.tracker.Hydrate(ctx, []domain.Question{question("q1", "%5")})
	assert.Empty(t, f.sink.delivered(), "cached questions are not answered")

	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})

	delivered := f.sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, domain.AnswerCommand{QuestionID: "q1", PaneID: "%5", Answer: "1"}, delivered[0])
	assert.Empty(t, f.tracker.Active())
}

func TestLoadPolicy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, domain.KeyAutoYesPanes, []byte(`["%2","%1"]`)))

	require.NoError(t, f.tracker.LoadPolicy(ctx))
	assert.Equal(t, []string{"%1", "%2"}, f.tracker.AutoAcceptPanes())
}

func TestLoadPolicyToleratesGarbage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, domain.KeyAutoYesPanes, []byte(`{not json`)))

	require.NoError(t, f.tracker.LoadPolicy(ctx))
	assert.Empty(t, f.tracker.AutoAcceptPanes())
}

func TestInjectFromExternal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.True(t, f.tracker.InjectFromExternal(ctx, question("q1", "%5")))
	assert.False(t, f.tracker.InjectFromExternal(ctx, question("q1", "%5")), "already present")

	_, err := f.tracker.Answer(ctx, "q1", "%5", "1")
	require.NoError(t, err)
	assert.False(t, f.tracker.InjectFromExternal(ctx, question("q1", "%5")), "suppressed")

	f.clock.Advance(DefaultGrace)
	assert.True(t, f.tracker.InjectFromExternal(ctx, question("q1", "%5")))
}

func TestInjectedQuestionIsPlaceholder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tracker.InjectFromExternal(ctx, question("q9", "%9"))
	f.tracker.SetAuthoritative(ctx, []domain.Question{question("q1", "%5")})

	assert.Equal(t, []string{"q1"}, ids(f.tracker.Active()))
}

func TestHydrateOnlyBeforeAuthoritative(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.True(t, f.tracker.Hydrate(ctx, []domain.Question{question("cached", "%1")}))
	assert.Equal(t, []string{"cached"}, ids(f.tracker.Active()))

	f.tracker.SetAuthoritative(ctx, nil)
	assert.False(t, f.tracker.Hydrate(ctx, []domain.Question{question("cached", "%1")}))
	assert.Empty(t, f.tracker.Active())
}

func TestResolveOwningJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.jobs.ReplaceJobs(ctx,
		[]domain.Job{
			{Name: "build", Group: "ci", WorkDir: "/src/app"},
			{Name: "docs", Group: "site", WorkDir: "/src/docs"},
			{Name: "lint", Group: "ci", WorkDir: "/src/lint"},
		},
		map[string]domain.JobStatus{
			"build": domain.Running("r1", "t0"),
			"lint":  domain.Running("r2", "t0"),
		},
	)

	tests := []struct {
		name string
		q    domain.Question
		want *domain.JobOwner
	}{
		{"explicit match", domain.Question{MatchedJob: "docs"}, &domain.JobOwner{Job: "docs", Group: "site"}},
		{"cwd equal", domain.Question{CWD: "/src/app"}, &domain.JobOwner{Job: "build", Group: "ci"}},
		{"cwd nested", domain.Question{CWD: "/src/app/pkg"}, &domain.JobOwner{Job: "build", Group: "ci"}},
		{"cwd of idle job ignored", domain.Question{CWD: "/src/docs"}, nil},
		{"sibling prefix is not nested", domain.Question{CWD: "/src/application"}, nil},
		{"group fallback", domain.Question{CWD: "/tmp", MatchedGroup: "ci"}, &domain.JobOwner{Job: "build", Group: "ci"}},
		{"unknown", domain.Question{CWD: "/tmp"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.tracker.ResolveOwningJob(tt.q))
		})
	}
}
