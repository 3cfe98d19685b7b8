package services

import (
	"context"
	"encoding/json"
	"time"

	"ciflow/internal/models"
	"ciflow/pkg/logger"

	"github.com/sirupsen/logrus"
)

// StatusEvent a repository status transition
type StatusEvent struct {
	RepositoryID uint      `json:"repository_id"`
	UserID       uint      `json:"user_id"`
	FullName     string    `json:"full_name"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusEvents publishes and streams repository status transitions
type StatusEvents struct {
	publisher  Publisher
	subscriber Subscriber
	channel    string
	log        *logrus.Entry
}

// NewStatusEvents creates the event bus on channel
func NewStatusEvents(publisher Publisher, subscriber Subscriber, channel string) *StatusEvents {
	return &StatusEvents{
		publisher:  publisher,
		subscriber: subscriber,
		channel:    channel,
		log:        logger.WithComponent("status_events"),
	}
}

// Publish is best effort: a lost event only delays what the frontend shows
func (e *StatusEvents) Publish(ctx context.Context, repo *models.Repository, status, message string) {
	if e == nil || e.publisher == nil {
		return
	}

	event := StatusEvent{
		RepositoryID: repo.ID,
		UserID:       repo.UserID,
		FullName:     repo.FullName,
		Status:       status,
		Message:      message,
		Timestamp:    time.Now(),
	}
	if err := e.publisher.Publish(ctx, e.channel, event); err != nil {
		e.log.WithFields(logrus.Fields{
			"repository_id": repo.ID,
			"status":        status,
		}).Warnf("Failed to publish status event: %v", err)
	}
}

// Stream delivers the events of userID until ctx is done.
// The returned channel is closed when the subscription ends.
func (e *StatusEvents) Stream(ctx context.Context, userID uint) (<-chan StatusEvent, error) {
	sub := e.subscriber.Subscribe(ctx, e.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan StatusEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					e.log.Warnf("Dropping malformed status event: %v", err)
					continue
				}
				if event.UserID != userID {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
