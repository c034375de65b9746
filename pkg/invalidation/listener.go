// Package invalidation listens on a Pub/Sub subscription for image URLs that
// changed upstream and drops them from the local cache.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/rs/zerolog"
)

// URLAttribute is the message attribute that may carry the changed URL.
const URLAttribute = "url"

// Config holds the subscription settings for a Listener.
type Config struct {
	ProjectID              string `yaml:"project_id" toml:"project_id"`
	SubscriptionID         string `yaml:"subscription_id" toml:"subscription_id"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages" toml:"max_outstanding_messages"`
	NumGoroutines          int    `yaml:"num_goroutines" toml:"num_goroutines"`
}

// NewConfigDefaults returns a Config for the given subscription.
func NewConfigDefaults(subID string) *Config {
	return &Config{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
	}
}

// Invalidator is the part of *imagecache.Manager the listener drives.
type Invalidator interface {
	Invalidate(ctx context.Context, url string) error
}

// notice is the JSON body of an invalidation message.
type notice struct {
	URL string `json:"url"`
}

// Listener receives invalidation notices and applies them.
type Listener struct {
	subscription *pubsub.Subscription
	invalidator  Invalidator
	logger       zerolog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// NewListener binds to an existing subscription.
func NewListener(cfg *Config, client *pubsub.Client, invalidator Invalidator, logger zerolog.Logger) (*Listener, error) {
	if cfg == nil || cfg.SubscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}
	if invalidator == nil {
		return nil, errors.New("invalidator cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("checking subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	return &Listener{
		subscription: sub,
		invalidator:  invalidator,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving in the background. Receiving stops when ctx is
// cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		defer close(l.doneChan)
		l.logger.Info().Msg("Listening for invalidation notices.")
		err := l.subscription.Receive(receiveCtx, l.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Pub/Sub Receive exited with error.")
		}
		l.logger.Info().Msg("Invalidation listener stopped.")
	}()
	return nil
}

func (l *Listener) handle(ctx context.Context, msg *pubsub.Message) {
	url, err := parseNotice(msg)
	if err != nil {
		// Redelivery cannot fix a malformed notice.
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed invalidation notice.")
		msg.Ack()
		return
	}
	if err := l.invalidator.Invalidate(ctx, url); err != nil {
		if errors.Is(err, imagecache.ErrFetch) {
			l.logger.Warn().Err(err).Str("msg_id", msg.ID).Str("url", url).Msg("Dropping notice for an unusable url.")
			msg.Ack()
			return
		}
		l.logger.Error().Err(err).Str("msg_id", msg.ID).Str("url", url).Msg("Invalidation failed, nacking.")
		msg.Nack()
		return
	}
	l.logger.Debug().Str("url", url).Msg("Invalidated.")
	msg.Ack()
}

// parseNotice reads the URL from the JSON body, or from the url attribute when
// the body is empty or names no URL. The URL must be one the cache can key.
func parseNotice(msg *pubsub.Message) (string, error) {
	url := strings.TrimSpace(msg.Attributes[URLAttribute])
	if len(msg.Data) > 0 {
		var n notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return "", fmt.Errorf("decoding notice: %w", err)
		}
		if u := strings.TrimSpace(n.URL); u != "" {
			url = u
		}
	}
	if url == "" {
		return "", errors.New("notice has no url")
	}
	if _, err := imagecache.NormalizeURL(url); err != nil {
		return "", err
	}
	return url, nil
}

// Stop cancels receiving and waits for in-flight notices to finish.
func (l *Listener) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		select {
		case <-l.doneChan:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for listener to stop: %w", ctx.Err())
		}
	})
	return err
}

// Done is closed once the receive loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.doneChan }
