package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"clawremote/internal/domain"
	"clawremote/internal/usecase/correlator"
)

// StateSink receives authoritative job, process and host pushes.
type StateSink interface {
	ReplaceJobs(ctx context.Context, jobs []domain.Job, statuses map[string]domain.JobStatus)
	UpdateStatus(ctx context.Context, name string, status domain.JobStatus)
	ReplaceProcesses(ctx context.Context, processes []domain.DetectedProcess)
	SetHostStatus(ctx context.Context, status domain.HostStatus)
	MarkHostOffline(ctx context.Context)
}

// QuestionSink receives the authoritative active question set and the
// host's auto-accept panes.
type QuestionSink interface {
	SetAuthoritative(ctx context.Context, questions []domain.Question)
	ApplyRemotePolicy(ctx context.Context, paneIDs []string) error
}

// LogSink receives pushed log chunks.
type LogSink interface {
	Dispatch(name, content string)
}

// envelope holds the fields shared across inbound kinds.
type envelope struct {
	Type    domain.MessageType `json:"type"`
	ID      string             `json:"id,omitempty"`
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Code    string             `json:"code,omitempty"`
	Message string             `json:"message,omitempty"`
}

type jobsFrame struct {
	Jobs     []domain.Job                `json:"jobs"`
	Statuses map[string]domain.JobStatus `json:"statuses"`
}

type statusFrame struct {
	Name   string           `json:"name"`
	Status domain.JobStatus `json:"status"`
}

type logChunkFrame struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type questionsFrame struct {
	Questions []domain.Question `json:"questions"`
}

type autoYesFrame struct {
	PaneIDs []string `json:"pane_ids"`
}

type processesFrame struct {
	Processes []domain.DetectedProcess `json:"processes"`
}

// Dispatcher routes decoded inbound frames by kind. It is called from the
// single read loop, so frames are applied in receipt order.
type Dispatcher struct {
	corr      *correlator.Correlator
	state     StateSink
	questions QuestionSink
	logs      LogSink
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewDispatcher wires the inbound consumers. bus may be nil.
func NewDispatcher(corr *correlator.Correlator, state StateSink, questions QuestionSink, logs LogSink, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{corr: corr, state: state, questions: questions, logs: logs, bus: bus, logger: logger}
}

// Dispatch applies one raw frame. Malformed and unknown frames are dropped.
// For an error frame the decoded *domain.RelayError is returned so the
// connection can react to auth and entitlement codes.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) *domain.RelayError {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		d.logger.Debug("dropping malformed frame", "error", err)
		return nil
	}

	switch env.Type {
	case domain.MsgWelcome:
		var w domain.Welcome
		if d.decode(env, data, &w) {
			d.logger.Info("relay welcome", "connection_id", w.ConnectionID, "server_version", w.ServerVersion)
		}

	case domain.MsgError:
		re := &domain.RelayError{Code: env.Code, Message: env.Message}
		d.logger.Warn("relay error frame", "code", re.Code, "message", re.Message, "id", env.ID)
		if re.Code == domain.CodeDesktopOffline {
			d.state.MarkHostOffline(ctx)
		}
		d.resolve(env, data, re)
		return re

	case domain.MsgDesktopStatus:
		var hs domain.HostStatus
		if d.decode(env, data, &hs) {
			d.state.SetHostStatus(ctx, hs)
		}

	case domain.MsgJobsList, domain.MsgJobsChanged:
		var f jobsFrame
		if d.decode(env, data, &f) {
			d.state.ReplaceJobs(ctx, f.Jobs, f.Statuses)
			d.resolve(env, data, nil)
		}

	case domain.MsgStatusUpdate:
		var f statusFrame
		if d.decode(env, data, &f) && f.Name != "" {
			d.state.UpdateStatus(ctx, f.Name, f.Status)
		}

	case domain.MsgLogChunk:
		var f logChunkFrame
		if d.decode(env, data, &f) {
			d.logs.Dispatch(f.Name, f.Content)
		}

	case domain.MsgClaudeQuestions:
		var f questionsFrame
		if d.decode(env, data, &f) {
			d.questions.SetAuthoritative(ctx, f.Questions)
		}

	case domain.MsgAutoYesPanes:
		var f autoYesFrame
		if d.decode(env, data, &f) {
			if err := d.questions.ApplyRemotePolicy(ctx, f.PaneIDs); err != nil {
				d.logger.Warn("auto-accept panes not saved", "error", err)
			}
		}

	case domain.MsgDetectedProcesses:
		var f processesFrame
		if d.decode(env, data, &f) {
			d.state.ReplaceProcesses(ctx, f.Processes)
			d.resolve(env, data, nil)
		}

	case domain.MsgJobNotification:
		var n domain.JobNotification
		if d.decode(env, data, &n) && d.bus != nil {
			d.bus.Publish(ctx, domain.NewEvent(domain.EventJobNotification, n))
		}

	case domain.MsgRunHistory, domain.MsgRunDetailResponse, domain.MsgDetectedProcessLogs, domain.MsgNotificationHistory:
		d.resolve(env, data, nil)

	default:
		if env.Type.IsAck() {
			d.resolve(env, data, nil)
			return nil
		}
		d.logger.Debug("dropping unknown frame", "type", env.Type)
	}
	return nil
}

func (d *Dispatcher) decode(env envelope, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Debug("dropping undecodable frame", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) resolve(env envelope, data []byte, re *domain.RelayError) {
	if env.ID == "" {
		return
	}
	resp := domain.Response{
		Type:    env.Type,
		ID:      env.ID,
		Success: env.Success,
		Error:   env.Error,
		Err:     re,
		Raw:     json.RawMessage(data),
	}
	if re != nil {
		resp.Error = re.Message
	}
	if !d.corr.Resolve(env.ID, resp) {
		d.logger.Debug("stray response", "type", env.Type, "id", env.ID)
	}
}
