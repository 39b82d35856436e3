package fakemsgbroker

import (
	"context"
	"fmt"
	"sync"

	mbroker "github.com/textileio/dutch-auction/msgbroker"
)

// FakeMsgBroker is an in-memory MsgBroker for tests.
// Published messages are kept per topic and delivered synchronously
// to registered handlers.
type FakeMsgBroker struct {
	lock          sync.Mutex
	topicMessages map[string][][]byte
	handlers      map[string][]mbroker.TopicHandler
	nacks         int
}

var _ mbroker.MsgBroker = (*FakeMsgBroker)(nil)

// New returns a new FakeMsgBroker.
func New() *FakeMsgBroker {
	return &FakeMsgBroker{
		topicMessages: map[string][][]byte{},
		handlers:      map[string][]mbroker.TopicHandler{},
	}
}

// RegisterTopicHandler registers a handler for the topic.
func (b *FakeMsgBroker) RegisterTopicHandler(
	topicName mbroker.TopicName,
	handler mbroker.TopicHandler,
	_ ...mbroker.Option) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.handlers[string(topicName)] = append(b.handlers[string(topicName)], handler)
	return nil
}

// PublishMsg records the message and delivers it to the topic handlers.
func (b *FakeMsgBroker) PublishMsg(ctx context.Context, topicName mbroker.TopicName, data []byte) error {
	b.lock.Lock()
	b.topicMessages[string(topicName)] = append(b.topicMessages[string(topicName)], data)
	handlers := append([]mbroker.TopicHandler(nil), b.handlers[string(topicName)]...)
	b.lock.Unlock()

	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			b.lock.Lock()
			b.nacks++
			b.lock.Unlock()
		}
	}
	return nil
}

// Helpers for tests

func (b *FakeMsgBroker) TotalPublished() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	var count int
	for _, msgs := range b.topicMessages {
		count += len(msgs)
	}

	return count
}

func (b *FakeMsgBroker) TotalPublishedTopic(name mbroker.TopicName) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.topicMessages[string(name)])
}

func (b *FakeMsgBroker) TotalNacked() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.nacks
}

func (b *FakeMsgBroker) GetMsg(name mbroker.TopicName, idx int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	topic := b.topicMessages[string(name)]
	if idx >= len(topic) {
		return nil, fmt.Errorf("topic queue has length %d smaller than idx access %d", len(topic), idx)
	}

	return topic[idx], nil
}
