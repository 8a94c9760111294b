package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
)

// workerGroup is the NATS queue group; each job is delivered to one worker.
const workerGroup = "crewdeck-workers"

// NATSQueue is the NATS-backed Queue.
type NATSQueue struct {
	conn   *nats.Conn
	logger *logger.Logger
}

var _ Queue = (*NATSQueue)(nil)

// NewNATSQueue wraps an existing NATS connection as a job queue.
func NewNATSQueue(conn *nats.Conn, log *logger.Logger) *NATSQueue {
	return &NATSQueue{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "job-queue")),
	}
}

func subject(kind string) string { return events.JobSubjectPrefix + kind }

// Enqueue publishes a job on the kind's subject.
func (q *NATSQueue) Enqueue(_ context.Context, kind string, payload interface{}) error {
	job, err := newJob(kind, payload)
	if err != nil {
		return fmt.Errorf("failed to build job: %w", err)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.conn.Publish(subject(kind), data); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}

	q.logger.Debug("enqueued job",
		zap.String("kind", kind),
		zap.String("job_id", job.ID))
	return nil
}

// Consume subscribes a handler to a job kind within the worker queue group.
func (q *NATSQueue) Consume(kind string, handler Handler) (Unsubscribe, error) {
	sub, err := q.conn.QueueSubscribe(subject(kind), workerGroup, func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Warn("dropping malformed job",
				zap.String("kind", kind),
				zap.Error(err))
			return
		}

		if err := handler(context.Background(), &job); err != nil {
			q.logger.Error("job failed",
				zap.String("kind", kind),
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s jobs: %w", kind, err)
	}

	return sub.Unsubscribe, nil
}

// Close is a no-op; the underlying connection is owned by the caller.
func (q *NATSQueue) Close() {}
