package domain

// DetectedProcess is an ad-hoc agent session discovered by the host that is
// not declared as a Job. Identity is PaneID and only lasts while the host
// keeps reporting it.
type DetectedProcess struct {
	PaneID       string `json:"pane_id"`
	CWD          string `json:"cwd"`
	Version      string `json:"version"`
	TmuxSession  string `json:"tmux_session"`
	WindowName   string `json:"window_name"`
	MatchedGroup string `json:"matched_group,omitempty"`
	MatchedJob   string `json:"matched_job,omitempty"`
	LogLines     string `json:"log_lines"`
}
