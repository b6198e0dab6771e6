package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/pubsub"
)

// maxPushBody bounds the push envelope read from Pub/Sub.
const maxPushBody = 1 << 20

// PubSubDispatcher publishes claimed jobs to a Pub/Sub topic. A push subscription delivers them
// back to the service, which runs them through a LocalDispatcher.
type PubSubDispatcher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubDispatcher constructs a Pub/Sub backed dispatcher.
func NewPubSubDispatcher(topic *pubsub.Topic) (*PubSubDispatcher, error) {
	if topic == nil {
		return nil, errors.New("pubsub dispatcher: topic is required")
	}
	return &PubSubDispatcher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Dispatch implements Dispatcher. It returns once Pub/Sub has accepted the message.
func (p *PubSubDispatcher) Dispatch(ctx context.Context, job Job) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub dispatcher: not initialised")
	}

	data, err := p.marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", job.ID)
	setAttr(attrs, "jobName", job.Name)
	setAttr(attrs, "dedupeKey", job.DedupeKey)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush extracts the job carried by a Pub/Sub push request body.
func DecodePush(body io.Reader) (Job, error) {
	var env pushEnvelope
	if err := json.NewDecoder(io.LimitReader(body, maxPushBody)).Decode(&env); err != nil {
		return Job{}, fmt.Errorf("%w: decode push envelope: %v", ErrInvalidJob, err)
	}
	if len(env.Message.Data) == 0 {
		return Job{}, fmt.Errorf("%w: push message %q has no data", ErrInvalidJob, env.Message.MessageID)
	}
	var job Job
	if err := json.Unmarshal(env.Message.Data, &job); err != nil {
		return Job{}, fmt.Errorf("%w: decode job: %v", ErrInvalidJob, err)
	}
	if strings.TrimSpace(job.Name) == "" {
		job.Name = env.Message.Attributes["jobName"]
	}
	if strings.TrimSpace(job.Name) == "" {
		return Job{}, fmt.Errorf("%w: job name missing", ErrInvalidJob)
	}
	return job, nil
}
