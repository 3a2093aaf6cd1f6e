package domain

import "encoding/json"

// MessageType is the "type" discriminant carried by every relay frame.
type MessageType string

// Client → relay command kinds.
const (
	MsgListJobs                 MessageType = "list_jobs"
	MsgRunJob                   MessageType = "run_job"
	MsgPauseJob                 MessageType = "pause_job"
	MsgResumeJob                MessageType = "resume_job"
	MsgStopJob                  MessageType = "stop_job"
	MsgSendInput                MessageType = "send_input"
	MsgSubscribeLogs            MessageType = "subscribe_logs"
	MsgUnsubscribeLogs          MessageType = "unsubscribe_logs"
	MsgGetRunHistory            MessageType = "get_run_history"
	MsgGetRunDetail             MessageType = "get_run_detail"
	MsgRunAgent                 MessageType = "run_agent"
	MsgCreateJob                MessageType = "create_job"
	MsgDetectProcesses          MessageType = "detect_processes"
	MsgGetDetectedProcessLogs   MessageType = "get_detected_process_logs"
	MsgSendDetectedProcessInput MessageType = "send_detected_process_input"
	MsgStopDetectedProcess      MessageType = "stop_detected_process"
	MsgRegisterPushToken        MessageType = "register_push_token"
	MsgAnswerQuestion           MessageType = "answer_question"
	MsgSetAutoYesPanes          MessageType = "set_auto_yes_panes"
	MsgGetNotificationHistory   MessageType = "get_notification_history"
)

// Relay/host → client message kinds.
const (
	MsgWelcome                     MessageType = "welcome"
	MsgError                       MessageType = "error"
	MsgDesktopStatus               MessageType = "desktop_status"
	MsgJobsList                    MessageType = "jobs_list"
	MsgJobsChanged                 MessageType = "jobs_changed"
	MsgStatusUpdate                MessageType = "status_update"
	MsgLogChunk                    MessageType = "log_chunk"
	MsgRunHistory                  MessageType = "run_history"
	MsgRunDetailResponse           MessageType = "run_detail_response"
	MsgDetectedProcesses           MessageType = "detected_processes"
	MsgDetectedProcessLogs         MessageType = "detected_process_logs"
	MsgClaudeQuestions             MessageType = "claude_questions"
	MsgJobNotification             MessageType = "job_notification"
	MsgRunJobAck                   MessageType = "run_job_ack"
	MsgPauseJobAck                 MessageType = "pause_job_ack"
	MsgResumeJobAck                MessageType = "resume_job_ack"
	MsgStopJobAck                  MessageType = "stop_job_ack"
	MsgSendInputAck                MessageType = "send_input_ack"
	MsgSubscribeLogsAck            MessageType = "subscribe_logs_ack"
	MsgRunAgentAck                 MessageType = "run_agent_ack"
	MsgCreateJobAck                MessageType = "create_job_ack"
	MsgSendDetectedProcessInputAck MessageType = "send_detected_process_input_ack"
	MsgStopDetectedProcessAck      MessageType = "stop_detected_process_ack"
	MsgRegisterPushTokenAck        MessageType = "register_push_token_ack"
	MsgNotificationHistory         MessageType = "notification_history"
	MsgAutoYesPanes                MessageType = "auto_yes_panes"
)

// IsAck reports whether t is one of the "*_ack" response kinds.
func (t MessageType) IsAck() bool {
	switch t {
	case MsgRunJobAck, MsgPauseJobAck, MsgResumeJobAck, MsgStopJobAck,
		MsgSendInputAck, MsgSubscribeLogsAck, MsgRunAgentAck, MsgCreateJobAck,
		MsgSendDetectedProcessInputAck, MsgStopDetectedProcessAck, MsgRegisterPushTokenAck:
		return true
	}
	return false
}

// Relay error codes carried by error frames.
const (
	CodeDesktopOffline      = "DESKTOP_OFFLINE"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeUnauthorizedFrame   = "UNAUTHORIZED"
	CodeSubscriptionExpired = "SUBSCRIPTION_EXPIRED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeInvalidMessage      = "INVALID_MESSAGE"
)

// Command is an outbound client frame. Only the fields relevant to Type are
// set; every kind except unsubscribe_logs carries an ID.
type Command struct {
	Type        MessageType       `json:"type"`
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Text        string            `json:"text,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	JobType     string            `json:"job_type,omitempty"`
	Path        string            `json:"path,omitempty"`
	Cron        string            `json:"cron,omitempty"`
	Group       string            `json:"group,omitempty"`
	TmuxSession string            `json:"tmux_session,omitempty"`
	PaneID      string            `json:"pane_id,omitempty"`
	PaneIDs     []string          `json:"pane_ids,omitempty"`
	QuestionID  string            `json:"question_id,omitempty"`
	Answer      string            `json:"answer,omitempty"`
	PushToken   string            `json:"push_token,omitempty"`
	Platform    string            `json:"platform,omitempty"`
}

// NeedsID reports whether the command kind carries a request id.
func (c Command) NeedsID() bool { return c.Type != MsgUnsubscribeLogs }

// Response is what a RequestCorrelator resolver receives: the decoded
// envelope of the matching reply plus the raw frame for kind-specific
// decoding. Err is set when the reply was an error frame.
type Response struct {
	Type    MessageType
	ID      string
	Success bool
	Error   string
	Err     *RelayError
	Raw     json.RawMessage
}

// Decode unmarshals the raw reply frame into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// JobNotification is the host's informational job event.
type JobNotification struct {
	Name  string `json:"name"`
	Event string `json:"event"`
	RunID string `json:"run_id"`
}

// NotificationRecord is one entry of the relay's question notification
// history.
type NotificationRecord struct {
	QuestionID   string           `json:"question_id"`
	PaneID       string           `json:"pane_id"`
	CWD          string           `json:"cwd"`
	ContextLines string           `json:"context_lines"`
	Options      []QuestionOption `json:"options"`
	Answered     bool             `json:"answered"`
	AnsweredWith string           `json:"answered_with,omitempty"`
	CreatedAt    string           `json:"created_at"`
}

// Welcome is the relay's connection acknowledgement.
type Welcome struct {
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}

// MarshalJSON always emits pane_ids for set_auto_yes_panes, where an empty
// set clears the relay's policy.
func (c Command) MarshalJSON() ([]byte, error) {
	type plain Command
	if c.Type != MsgSetAutoYesPanes {
		return json.Marshal(plain(c))
	}
	panes := c.PaneIDs
	if panes == nil {
		panes = []string{}
	}
	return json.Marshal(struct {
		plain
		PaneIDs []string `json:"pane_ids"`
	}{plain(c), panes})
}
