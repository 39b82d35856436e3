package gpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	mbroker "github.com/textileio/dutch-auction/msgbroker"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"google.golang.org/api/option"
)

var log = golog.Logger("gpubsub")

const defaultOpTimeout = time.Second * 10

// PubsubMsgBroker is a MsgBroker backed by Google PubSub.
type PubsubMsgBroker struct {
	subsName    string
	topicPrefix string

	client          *pubsub.Client
	clientCtx       context.Context
	clientCtxCancel context.CancelFunc
	receivers       sync.WaitGroup

	topicCacheLock sync.Mutex
	topicCache     map[string]*pubsub.Topic

	metrics metricsCollector
}

var _ mbroker.MsgBroker = (*PubsubMsgBroker)(nil)

// New creates a new PubsubMsgBroker. An empty apiKey uses ambient credentials,
// which is also what the emulator expects when PUBSUB_EMULATOR_HOST is set.
func New(projectID, apiKey, topicPrefix, subsName string) (*PubsubMsgBroker, error) {
	if projectID == "" {
		projectID = "test"
	}
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(apiKey)))
	}
	client, err := pubsub.NewClient(context.Background(), projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %s", err)
	}
	return NewWithClient(client, topicPrefix, subsName)
}

// NewWithClient creates a new PubsubMsgBroker from an existing client.
// The broker owns the client and closes it on Close.
func NewWithClient(client *pubsub.Client, topicPrefix, subsName string) (*PubsubMsgBroker, error) {
	if subsName == "" {
		return nil, errors.New("subscription name is empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PubsubMsgBroker{
		subsName:        subsName,
		topicPrefix:     topicPrefix,
		client:          client,
		clientCtx:       ctx,
		clientCtxCancel: cancel,
		topicCache:      map[string]*pubsub.Topic{},
		metrics:         noopMetricsCollector{},
	}
	p.initMetrics(metric.Must(global.Meter("gpubsub")))

	return p, nil
}

// RegisterTopicHandler subscribes to a topic. The subscription is named after
// the broker subscription name and the topic, and is created if missing.
func (p *PubsubMsgBroker) RegisterTopicHandler(
	tn mbroker.TopicName,
	handler mbroker.TopicHandler,
	opts ...mbroker.Option) error {
	config, err := mbroker.ApplyRegisterHandlerOptions(opts...)
	if err != nil {
		return fmt.Errorf("applying options: %s", err)
	}

	topicName := p.topicPrefix + string(tn)
	topic, err := p.getTopic(topicName)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}

	subName := p.topicPrefix + p.subsName + "-" + string(tn)
	ctx, cancel := context.WithTimeout(p.clientCtx, defaultOpTimeout)
	defer cancel()
	sub := p.client.Subscription(subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking subscription exists: %s", err)
	}
	if !exists {
		log.Warnf("creating subscription %s for topic %s", subName, topicName)
		sub, err = p.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: config.AckDeadline,
		})
		if err != nil {
			return fmt.Errorf("creating subscription: %s", err)
		}
	}

	p.receivers.Add(1)
	go func() {
		defer p.receivers.Done()
		err := sub.Receive(p.clientCtx, func(ctx context.Context, m *pubsub.Message) {
			start := time.Now()
			err := handler(ctx, m.Data)
			p.metrics.onHandle(ctx, topicName, time.Since(start), err)
			if err != nil {
				log.Errorf("handling message %s from %s: %s", m.ID, topicName, err)
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil {
			log.Errorf("receive handler subscription %s, topic %s: %s", subName, topicName, err)
		}
	}()

	log.Debugf("registered handler for %s:%s", subName, topicName)
	return nil
}

// PublishMsg publishes data to a topic and waits for the server ack.
func (p *PubsubMsgBroker) PublishMsg(ctx context.Context, tn mbroker.TopicName, data []byte) (err error) {
	topicName := p.topicPrefix + string(tn)
	defer func() { p.metrics.onPublish(ctx, topicName, err) }()

	topic, err := p.getTopic(topicName)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}
	pr := topic.Publish(ctx, &pubsub.Message{Data: data})

	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if _, err := pr.Get(ctx); err != nil {
		return fmt.Errorf("publishing to pubsub: %s", err)
	}

	return nil
}

func (p *PubsubMsgBroker) getTopic(name string) (*pubsub.Topic, error) {
	p.topicCacheLock.Lock()
	defer p.topicCacheLock.Unlock()
	topic, ok := p.topicCache[name]
	if ok {
		return topic, nil
	}

	topic = p.client.Topic(name)
	ctx, cancel := context.WithTimeout(p.clientCtx, defaultOpTimeout)
	defer cancel()
	exist, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic exists: %s", err)
	}
	if !exist {
		log.Warnf("creating topic %s", name)
		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("creating topic %s: %s", name, err)
		}
	}
	p.topicCache[name] = topic

	return topic, nil
}

// Close stops all receivers and flushes pending publishes.
func (p *PubsubMsgBroker) Close() error {
	p.clientCtxCancel()
	p.receivers.Wait()

	p.topicCacheLock.Lock()
	for _, t := range p.topicCache {
		t.Stop()
	}
	p.topicCacheLock.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing pubsub client: %s", err)
	}
	return nil
}
