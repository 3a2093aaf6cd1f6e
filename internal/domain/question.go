package domain

import "strings"

// QuestionOption is one selectable answer to a Question.
type QuestionOption struct {
	Number string `json:"number"`
	Label  string `json:"label"`
}

// Question is an interactive prompt blocking a process until an option is
// chosen. Identity is QuestionID.
type Question struct {
	QuestionID   string           `json:"question_id"`
	PaneID       string           `json:"pane_id"`
	CWD          string           `json:"cwd"`
	TmuxSession  string           `json:"tmux_session,omitempty"`
	WindowName   string           `json:"window_name,omitempty"`
	ContextLines string           `json:"context_lines,omitempty"`
	Options      []QuestionOption `json:"options"`
	MatchedJob   string           `json:"matched_job,omitempty"`
	MatchedGroup string           `json:"matched_group,omitempty"`
}

var affirmativeLabels = []string{"yes", "allow", "accept", "approve", "proceed", "continue", "ok"}

// AffirmativeOption returns the option number that auto-accept should pick:
// the first option whose label reads as a "yes", falling back to the first
// option. It returns false when the question has no options.
func (q Question) AffirmativeOption() (string, bool) {
	if len(q.Options) == 0 {
		return "", false
	}
	for _, opt := range q.Options {
		label := strings.ToLower(strings.TrimSpace(opt.Label))
		for _, word := range affirmativeLabels {
			if strings.HasPrefix(label, word) {
				return opt.Number, true
			}
		}
	}
	return q.Options[0].Number, true
}

// AnswerCommand is the payload needed to answer a Question. It is what the
// pending-answer queue persists and what the HTTP side-channel accepts.
type AnswerCommand struct {
	QuestionID string `json:"question_id"`
	PaneID     string `json:"pane_id"`
	Answer     string `json:"answer"`
}

// Command converts the answer into a relay command. The id is left for the
// sender to assign.
func (a AnswerCommand) Command() Command {
	return Command{
		Type:       MsgAnswerQuestion,
		QuestionID: a.QuestionID,
		PaneID:     a.PaneID,
		Answer:     a.Answer,
	}
}

// JobOwner is the best-effort association of a question with a declared job.
type JobOwner struct {
	Job   string `json:"job"`
	Group string `json:"group"`
}
