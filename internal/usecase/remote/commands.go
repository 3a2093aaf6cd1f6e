// Package remote exposes one method per client command. Each call is sent
// over the live relay socket and awaited through the request correlator.
package remote

import (
	"context"
	"log/slog"
	"time"

	"clawremote/internal/domain"
	"clawremote/internal/infra/tracer"
	"clawremote/internal/usecase/correlator"
)

// DefaultHistoryLimit is used when GetRunHistory is called with limit <= 0.
const DefaultHistoryLimit = 20

// Commands is the request/response facade over the relay socket.
type Commands struct {
	sender  domain.CommandSender
	corr    *correlator.Correlator
	timeout time.Duration
	logger  *slog.Logger
}

// New creates the facade. timeout bounds every wait for a reply; zero
// selects correlator.DefaultTimeout.
func New(sender domain.CommandSender, corr *correlator.Correlator, timeout time.Duration, logger *slog.Logger) *Commands {
	if timeout <= 0 {
		timeout = correlator.DefaultTimeout
	}
	return &Commands{sender: sender, corr: corr, timeout: timeout, logger: logger}
}

// Request assigns cmd a fresh id, sends it and waits for the reply with the
// same id. An error frame comes back as a *domain.RelayError; a timeout as
// domain.ErrHostUnreachable.
func (c *Commands) Request(ctx context.Context, cmd domain.Command) (resp domain.Response, err error) {
	cmd.ID = c.corr.NextID()
	ctx, span := tracer.StartRequest(ctx, string(cmd.Type), cmd.ID)
	defer func() { tracer.End(span, err) }()

	ch, err := c.corr.Register(cmd.ID)
	if err != nil {
		return domain.Response{}, err
	}
	if err := c.sender.Send(ctx, cmd); err != nil {
		c.corr.Forget(cmd.ID)
		return domain.Response{}, domain.WrapOp(string(cmd.Type), err)
	}

	resp, err = c.corr.Await(ctx, cmd.ID, ch, c.timeout)
	if err != nil {
		c.logger.Debug("request abandoned", "type", cmd.Type, "id", cmd.ID, "error", err)
		return domain.Response{}, domain.WrapOp(string(cmd.Type), err)
	}
	if resp.Err != nil {
		return resp, domain.WrapOp(string(cmd.Type), resp.Err)
	}
	return resp, nil
}

// ack sends cmd and requires a successful *_ack reply.
func (c *Commands) ack(ctx context.Context, op string, cmd domain.Command) (domain.Response, error) {
	resp, err := c.Request(ctx, cmd)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, domain.NewDomainError(op, domain.ErrCommandFailed, resp.Error)
	}
	return resp, nil
}

// ListJobs asks the host for the full job set. The reply is routed to the
// state store by the connection; the returned jobs are a convenience copy.
func (c *Commands) ListJobs(ctx context.Context) ([]domain.Job, map[string]domain.JobStatus, error) {
	resp, err := c.Request(ctx, domain.Command{Type: domain.MsgListJobs})
	if err != nil {
		return nil, nil, err
	}
	var body struct {
		Jobs     []domain.Job                `json:"jobs"`
		Statuses map[string]domain.JobStatus `json:"statuses"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, nil, domain.NewDomainError("Commands.ListJobs", domain.ErrRelayError, err.Error())
	}
	return body.Jobs, body.Statuses, nil
}

// RunJob starts a job, optionally with template parameters.
func (c *Commands) RunJob(ctx context.Context, name string, params map[string]string) error {
	_, err := c.ack(ctx, "Commands.RunJob", domain.Command{Type: domain.MsgRunJob, Name: name, Params: params})
	return err
}

func (c *Commands) PauseJob(ctx context.Context, name string) error {
	_, err := c.ack(ctx, "Commands.PauseJob", domain.Command{Type: domain.MsgPauseJob, Name: name})
	return err
}

func (c *Commands) ResumeJob(ctx context.Context, name string) error {
	_, err := c.ack(ctx, "Commands.ResumeJob", domain.Command{Type: domain.MsgResumeJob, Name: name})
	return err
}

func (c *Commands) StopJob(ctx context.Context, name string) error {
	_, err := c.ack(ctx, "Commands.StopJob", domain.Command{Type: domain.MsgStopJob, Name: name})
	return err
}

// SendInput types text into a running job's terminal.
func (c *Commands) SendInput(ctx context.Context, name, text string) error {
	_, err := c.ack(ctx, "Commands.SendInput", domain.Command{Type: domain.MsgSendInput, Name: name, Text: text})
	return err
}

// GetRunHistory returns the most recent runs of a job, newest first.
func (c *Commands) GetRunHistory(ctx context.Context, name string, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	resp, err := c.Request(ctx, domain.Command{Type: domain.MsgGetRunHistory, Name: name, Limit: limit})
	if err != nil {
		return nil, err
	}
	var body struct {
		Runs []domain.RunRecord `json:"runs"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, domain.NewDomainError("Commands.GetRunHistory", domain.ErrRelayError, err.Error())
	}
	return body.Runs, nil
}

// GetRunDetail fetches one run with its captured output.
func (c *Commands) GetRunDetail(ctx context.Context, runID string) (*domain.RunDetail, error) {
	resp, err := c.Request(ctx, domain.Command{Type: domain.MsgGetRunDetail, RunID: runID})
	if err != nil {
		return nil, err
	}
	var body struct {
		Detail *domain.RunDetail `json:"detail"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, domain.NewDomainError("Commands.GetRunDetail", domain.ErrRelayError, err.Error())
	}
	if body.Detail == nil {
		return nil, domain.NewDomainError("Commands.GetRunDetail", domain.ErrNotFound, runID)
	}
	return body.Detail, nil
}

// RunAgent starts an ad-hoc agent with prompt and returns the name of the
// job the host created for it, if any.
func (c *Commands) RunAgent(ctx context.Context, prompt string) (string, error) {
	resp, err := c.ack(ctx, "Commands.RunAgent", domain.Command{Type: domain.MsgRunAgent, Prompt: prompt})
	if err != nil {
		return "", err
	}
	var body struct {
		JobName string `json:"job_name"`
	}
	_ = resp.Decode(&body)
	return body.JobName, nil
}

// NewJob describes a job to be declared on the host.
type NewJob struct {
	Name    string
	JobType string
	Path    string
	Prompt  string
	Cron    string
	Group   string
}

// CreateJob declares a new job on the host.
func (c *Commands) CreateJob(ctx context.Context, j NewJob) error {
	if j.Name == "" || j.JobType == "" {
		return domain.NewDomainError("Commands.CreateJob", domain.ErrInvalidInput, "name and job type are required")
	}
	_, err := c.ack(ctx, "Commands.CreateJob", domain.Command{
		Type:    domain.MsgCreateJob,
		Name:    j.Name,
		JobType: j.JobType,
		Path:    j.Path,
		Prompt:  j.Prompt,
		Cron:    j.Cron,
		Group:   j.Group,
	})
	return err
}

// DetectProcesses asks the host to rescan for undeclared agent sessions.
func (c *Commands) DetectProcesses(ctx context.Context) ([]domain.DetectedProcess, error) {
	resp, err := c.Request(ctx, domain.Command{Type: domain.MsgDetectProcesses})
	if err != nil {
		return nil, err
	}
	var body struct {
		Processes []domain.DetectedProcess `json:"processes"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, domain.NewDomainError("Commands.DetectProcesses", domain.ErrRelayError, err.Error())
	}
	return body.Processes, nil
}

// GetDetectedProcessLogs returns the current pane content of a detected
// process.
func (c *Commands) GetDetectedProcessLogs(ctx context.Context, tmuxSession, paneID string) (string, error) {
	resp, err := c.Request(ctx, domain.Command{Type: domain.MsgGetDetectedProcessLogs, TmuxSession: tmuxSession, PaneID: paneID})
	if err != nil {
		return "", err
	}
	var body struct {
		Logs string `json:"logs"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", domain.NewDomainError("Commands.GetDetectedProcessLogs", domain.ErrRelayError, err.Error())
	}
	return body.Logs, nil
}

func (c *Commands) SendDetectedProcessInput(ctx context.Context, paneID, text string) error {
	_, err := c.ack(ctx, "Commands.SendDetectedProcessInput", domain.Command{Type: domain.MsgSendDetectedProcessInput, PaneID: paneID, Text: text})
	return err
}

func (c *Commands) StopDetectedProcess(ctx context.Context, paneID string) error {
	_, err := c.ack(ctx, "Commands.StopDetectedProcess", domain.Command{Type: domain.MsgStopDetectedProcess, PaneID: paneID})
	return err
}

// RegisterPushToken registers a device token for question notifications.
func (c *Commands) RegisterPushToken(ctx context.Context, token, platform string) error {
	_, err := c.ack(ctx, "Commands.RegisterPushToken", domain.Command{Type: domain.MsgRegisterPushToken, PushToken: token, Platform: platform})
	return err
}

// GetNotificationHistory returns past question notifications, newest first.
func (c *Commands) GetNotificationHistory(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	resp, err := c.Request(ctx, domain.Command{Type: domain.MsgGetNotificationHistory, Limit: limit})
	if err != nil {
		return nil, err
	}
	var body struct {
		Notifications []domain.NotificationRecord `json:"notifications"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, domain.NewDomainError("Commands.GetNotificationHistory", domain.ErrRelayError, err.Error())
	}
	return body.Notifications, nil
}

// LogsFetcher adapts GetDetectedProcessLogs to a poller fetch function.
func (c *Commands) LogsFetcher(tmuxSession, paneID string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return c.GetDetectedProcessLogs(ctx, tmuxSession, paneID)
	}
}
