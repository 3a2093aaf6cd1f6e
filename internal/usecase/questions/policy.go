package questions

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"clawremote/internal/domain"
)

// LoadPolicy restores the auto-accept pane set from durable storage. A
// missing or unreadable entry leaves the policy empty.
func (t *Tracker) LoadPolicy(ctx context.Context) error {
	data, err := t.store.Get(ctx, domain.KeyAutoYesPanes)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.WrapOp("questions.LoadPolicy", err)
	}
	var panes []string
	if err := json.Unmarshal(data, &panes); err != nil {
		t.logger.Warn("discarding unreadable auto-accept policy", "error", err)
		return nil
	}
	_, pendErr := t.store.Get(ctx, domain.KeyAutoYesPending)

	t.mu.Lock()
	t.autoYes = make(map[string]struct{}, len(panes))
	for _, p := range panes {
		t.autoYes[p] = struct{}{}
	}
	t.unsynced = pendErr == nil
	t.mu.Unlock()
	return nil
}

// AutoAcceptPanes returns the panes with auto-accept enabled, sorted.
func (t *Tracker) AutoAcceptPanes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.panesLocked()
}

// AutoAccepts reports whether auto-accept is enabled for pane.
func (t *Tracker) AutoAccepts(pane string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.autoYes[pane]
	return ok
}

// SetAutoAccept toggles the policy for a pane, persists it, and mirrors it to
// the relay. Enabling it answers any question already active on the pane.
// A change that cannot reach the relay is kept pending and sent on the next
// open.
func (t *Tracker) SetAutoAccept(ctx context.Context, pane string, enabled bool) error {
	if pane == "" {
		return domain.NewDomainError("questions.SetAutoAccept", domain.ErrInvalidInput, "pane id is required")
	}

	t.mu.Lock()
	if enabled {
		t.autoYes[pane] = struct{}{}
	} else {
		delete(t.autoYes, pane)
	}
	t.unsynced = true
	panes := t.panesLocked()

	var auto []domain.AnswerCommand
	if enabled {
		auto = t.autoAnswersLocked(t.onPanesLocked(map[string]struct{}{pane: {}}), t.now())
	}
	t.mu.Unlock()

	if err := t.persistPolicy(ctx, panes, true); err != nil {
		return domain.WrapOp("questions.SetAutoAccept", err)
	}

	t.publish(ctx, domain.NewEvent(domain.EventAutoAcceptChanged, map[string]any{"pane_id": pane, "enabled": enabled}))
	if err := t.MirrorPolicy(ctx); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		t.logger.Warn("auto-accept mirror failed", "error", err)
	}
	t.deliverAll(ctx, auto)
	return nil
}

// ApplyRemotePolicy replaces the pane set with the one the host reports,
// which wins over any local change not yet sent. Questions already active on
// a newly enabled pane are answered.
func (t *Tracker) ApplyRemotePolicy(ctx context.Context, paneIDs []string) error {
	t.mu.Lock()
	prev := t.autoYes
	t.autoYes = make(map[string]struct{}, len(paneIDs))
	added := make(map[string]struct{})
	for _, p := range paneIDs {
		t.autoYes[p] = struct{}{}
		if _, had := prev[p]; !had {
			added[p] = struct{}{}
		}
	}
	t.unsynced = false
	panes := t.panesLocked()
	auto := t.autoAnswersLocked(t.onPanesLocked(added), t.now())
	t.mu.Unlock()

	err := t.persistPolicy(ctx, panes, false)
	t.publish(ctx, domain.NewEvent(domain.EventAutoAcceptChanged, map[string]any{"pane_ids": panes}))
	t.deliverAll(ctx, auto)
	return domain.WrapOp("questions.ApplyRemotePolicy", err)
}

// MirrorPolicy sends the full pane set to the relay if it holds local
// changes the host has not seen. It runs after every successful open.
func (t *Tracker) MirrorPolicy(ctx context.Context) error {
	t.mu.Lock()
	if !t.unsynced {
		t.mu.Unlock()
		return nil
	}
	panes := t.panesLocked()
	t.mu.Unlock()

	if err := t.mirror.Send(ctx, domain.Command{Type: domain.MsgSetAutoYesPanes, PaneIDs: panes}); err != nil {
		return err
	}

	t.mu.Lock()
	current := t.panesLocked()
	synced := slices.Equal(current, panes)
	if synced {
		t.unsynced = false
	}
	t.mu.Unlock()
	if synced {
		if err := t.store.Delete(ctx, domain.KeyAutoYesPending); err != nil {
			t.logger.Warn("clearing pending auto-accept marker failed", "error", err)
		}
	}
	return nil
}

// persistPolicy writes the pane set and the pending marker.
func (t *Tracker) persistPolicy(ctx context.Context, panes []string, pending bool) error {
	data, err := json.Marshal(panes)
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, domain.KeyAutoYesPanes, data); err != nil {
		return err
	}
	if pending {
		return t.store.Set(ctx, domain.KeyAutoYesPending, []byte("1"))
	}
	return t.store.Delete(ctx, domain.KeyAutoYesPending)
}

func (t *Tracker) onPanesLocked(panes map[string]struct{}) []domain.Question {
	var out []domain.Question
	for _, q := range t.active {
		if _, ok := panes[q.PaneID]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (t *Tracker) panesLocked() []string {
	panes := make([]string, 0, len(t.autoYes))
	for p := range t.autoYes {
		panes = append(panes, p)
	}
	slices.Sort(panes)
	return panes
}
