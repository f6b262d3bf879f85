// Package sessionqueue implements SessionQueue (spec §4.6): an
// at-least-once job queue handing SessionJob to the external LLM
// worker. Delivery order across BufferKeys is unspecified; within a
// BufferKey, SessionBuffer's gate invariant already guarantees at most
// one outstanding job, so no ordering is required at the queue layer.
//
// Grounded on the nats.go + JetStream usage in the example pack's
// job-queue-shaped services: JetStream gives durable, at-least-once,
// ack-based delivery out of the box, matching the "BullMQ-compatible
// surface" spec §6 calls for without hand-rolling redelivery.
package sessionqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultStreamName = "SESSION_JOBS"
const defaultSubject = "session.jobs"

// Queue enqueues SessionJob values onto a durable JetStream stream.
type Queue struct {
	js      nats.JetStreamContext
	subject string
}

// New connects to JetStream and ensures the backing stream exists.
func New(nc *nats.Conn, streamName, subject string) (*Queue, error) {
	if streamName == "" {
		streamName = defaultStreamName
	}
	if subject == "" {
		subject = defaultSubject
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create session job stream: %w", err)
		}
	}

	return &Queue{js: js, subject: subject}, nil
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	ID string
}

// Enqueue publishes job durably and returns its queue-assigned id.
func (q *Queue) Enqueue(job protocol.SessionJob) (EnqueueResult, error) {
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal session job: %w", err)
	}

	ack, err := q.js.Publish(q.subject, raw)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue session job: %w", err)
	}

	return EnqueueResult{ID: fmt.Sprintf("%s-%d", ack.Stream, ack.Sequence)}, nil
}
