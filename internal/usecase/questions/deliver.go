package questions

import (
	"context"
	"errors"
	"log/slog"

	"clawremote/internal/domain"
)

// SideChannel posts an answer over the stateless HTTP endpoint. delivered is
// false when the relay accepted the request but the host did not ack it.
type SideChannel interface {
	AnswerQuestion(ctx context.Context, answer domain.AnswerCommand) (delivered bool, err error)
}

// Queue is the last-resort durable fallback.
type Queue interface {
	Enqueue(ctx context.Context, answer domain.AnswerCommand) error
}

// Path names the route an answer took. PathNone means it went nowhere.
type Path int

const (
	PathNone Path = iota
	PathSocket
	PathSideChannel
	PathQueued
)

func (p Path) String() string {
	switch p {
	case PathNone:
		return "none"
	case PathSocket:
		return "socket"
	case PathSideChannel:
		return "side-channel"
	case PathQueued:
		return "queued"
	}
	return "unknown"
}

// Deliverer sends an answer over the first path that accepts it: the live
// socket, then the HTTP side-channel, then the pending-answer queue.
type Deliverer struct {
	socket domain.CommandSender
	side   SideChannel
	queue  Queue
	logger *slog.Logger
}

// NewDeliverer wires the delivery chain. side may be nil.
func NewDeliverer(socket domain.CommandSender, side SideChannel, queue Queue, logger *slog.Logger) *Deliverer {
	return &Deliverer{socket: socket, side: side, queue: queue, logger: logger}
}

// Deliver returns nil once the answer is sent or durably queued, along with
// the path that took it.
func (d *Deliverer) Deliver(ctx context.Context, answer domain.AnswerCommand) (Path, error) {
	err := d.socket.Send(ctx, answer.Command())
	if err == nil {
		return PathSocket, nil
	}
	if !errors.Is(err, domain.ErrNotConnected) {
		d.logger.Warn("answer socket send failed", "question_id", answer.QuestionID, "error", err)
	}

	if d.side != nil {
		delivered, sideErr := d.side.AnswerQuestion(ctx, answer)
		if sideErr == nil && delivered {
			d.logger.Info("answer delivered via side-channel", "question_id", answer.QuestionID)
			return PathSideChannel, nil
		}
		d.logger.Debug("side-channel did not deliver answer",
			"question_id", answer.QuestionID, "delivered", delivered, "error", sideErr)
	}

	if err := d.queue.Enqueue(ctx, answer); err != nil {
		return PathNone, domain.WrapOp("questions.Deliver", err)
	}
	d.logger.Info("answer queued for next connection", "question_id", answer.QuestionID)
	return PathQueued, nil
}
