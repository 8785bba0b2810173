package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// MailboxNotification is the payload the mail provider publishes when a
// watched mailbox changes.
type MailboxNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// PubSubListener receives mailbox change notifications over Google Pub/Sub
// and fires a trigger for each fresh one. It complements the IMAP IDLE
// monitor: either source waking up leads to the same debounced resync.
type PubSubListener struct {
	client    *pubsub.Client
	trigger   func()
	projectID string
	topicName string
	subName   string

	mu sync.Mutex
	// Deduplication: track the last historyId per mailbox so redelivered
	// messages do not fire extra triggers.
	lastHistoryID map[string]uint64
}

// NewPubSubListener creates the listener. trigger is invoked (possibly
// concurrently) for every fresh notification.
func NewPubSubListener(projectID, topicName, credentialsFile string, trigger func()) (*PubSubListener, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &PubSubListener{
		client:        client,
		trigger:       trigger,
		projectID:     projectID,
		topicName:     topicName,
		subName:       topicName + "-sub", // Convention: topic-sub
		lastHistoryID: make(map[string]uint64),
	}, nil
}

// Start ensures the subscription exists and blocks receiving messages until
// the context is cancelled.
func (l *PubSubListener) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting listener with topic: %s, subscription: %s", l.topicName, l.subName)

	sub := l.client.Subscription(l.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := l.client.Topic(l.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			log.Printf("[PubSub] Error checking topic existence: %v", err)
			return
		}
		if !topicExists {
			log.Printf("[PubSub] Topic does not exist, cannot create subscription")
			return
		}

		sub, err = l.client.CreateSubscription(ctx, l.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Failed to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription: %s", l.subName)
	}

	log.Printf("[PubSub] Listening for messages on subscription: %s", l.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		l.handleMessage(msg)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("[PubSub] Error receiving messages: %v", err)
	}
}

func (l *PubSubListener) handleMessage(msg *pubsub.Message) {
	var notification MailboxNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.Printf("[PubSub] Failed to unmarshal notification: %v", err)
		return
	}

	if !l.fresh(notification) {
		return
	}

	log.Printf("[PubSub] Mailbox change for %s (historyId: %d)", notification.EmailAddress, notification.HistoryID)
	l.trigger()
}

func (l *PubSubListener) fresh(notification MailboxNotification) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, seen := l.lastHistoryID[notification.EmailAddress]
	if seen && notification.HistoryID <= last {
		return false
	}
	l.lastHistoryID[notification.EmailAddress] = notification.HistoryID
	return true
}

// Close releases the underlying client.
func (l *PubSubListener) Close() error {
	return l.client.Close()
}
