package msgbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/textileio/dutch-auction/auctioneer"
)

// TopicHandler is function that processes a received message.
// If no error is returned, the message will be automatically acked.
// If an error is returned, the message will be automatically nacked.
type TopicHandler func(context.Context, []byte) error

// MsgBroker is a message-broker for async message communication.
type MsgBroker interface {
	// RegisterTopicHandler registers a handler to a topic, with a defined
	// subscription defined by the underlying implementation. Is highly recommended
	// to register handlers in a type-safe way using RegisterHandlers().
	RegisterTopicHandler(topic TopicName, handler TopicHandler, opts ...Option) error

	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topicName TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

const (
	// AuctionStartedTopic is the topic name for auction-started messages.
	AuctionStartedTopic TopicName = "auction-started"
	// AuctionSettledTopic is the topic name for auction-settled messages.
	AuctionSettledTopic TopicName = "auction-settled"
)

// OperationID is a unique identifier for messages.
type OperationID string

// AuctionStartedListener is a handler for auction-started topic.
type AuctionStartedListener interface {
	OnAuctionStarted(context.Context, OperationID, time.Time, auctioneer.Auction) error
}

// AuctionSettledListener is a handler for auction-settled topic.
type AuctionSettledListener interface {
	OnAuctionSettled(context.Context, OperationID, auctioneer.Settlement) error
}

// RegisterHandlers automatically calls mb.RegisterTopicHandler in the methods that
// s might satisfy on known XXXListener interfaces. This allows to automatically wire
// s to receive messages from topics of implemented handlers.
func RegisterHandlers(mb MsgBroker, s interface{}, opts ...Option) error {
	var countRegistered int
	if l, ok := s.(AuctionStartedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionStartedTopic, func(ctx context.Context, data []byte) error {
			opID, ts, a, err := decodeAuctionStarted(data)
			if err != nil {
				return fmt.Errorf("decoding auction started: %s", err)
			}
			if err := l.OnAuctionStarted(ctx, opID, ts, a); err != nil {
				return fmt.Errorf("calling auction-started handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-started topic: %s", err)
		}
	}

	if l, ok := s.(AuctionSettledListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionSettledTopic, func(ctx context.Context, data []byte) error {
			opID, st, err := decodeAuctionSettled(data)
			if err != nil {
				return fmt.Errorf("decoding auction settled: %s", err)
			}
			if err := l.OnAuctionSettled(ctx, opID, st); err != nil {
				return fmt.Errorf("calling auction-settled handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-settled topic: %s", err)
		}
	}

	if countRegistered == 0 {
		return errors.New("no handlers were registered")
	}

	return nil
}
