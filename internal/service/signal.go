package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/minisocial/internal/domain"
)

const channelPrefix = "minisocial:path:"

// SignalService carries record change notifications between server
// instances over redis pub/sub.
type SignalService struct {
	rdb *redis.Client
}

func NewSignalService(redisClient *redis.Client) *SignalService {
	return &SignalService{
		rdb: redisClient,
	}
}

func channelOf(path string) string {
	return channelPrefix + path
}

func (s *SignalService) Publish(ctx context.Context, event domain.ChangeEvent) error {

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = s.rdb.Publish(ctx, channelOf(event.Path), jsonstr).Err()
	if err != nil {
		return errors.Wrap(err, "failed to publish change event")
	}

	return nil
}

// Subscribe delivers change events for path until ctx is done. The
// returned channel is closed when the subscription ends.
func (s *SignalService) Subscribe(ctx context.Context, path string) (<-chan domain.ChangeEvent, error) {
	pubsub := s.rdb.Subscribe(ctx, channelOf(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrap(err, "failed to subscribe")
	}

	out := make(chan domain.ChangeEvent, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event domain.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn(
						"malformed change event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
						slog.String("module", "signal"),
					)
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
