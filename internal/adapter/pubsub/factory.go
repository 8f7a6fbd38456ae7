package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// AmqpFactory builds watermill publishers and subscribers bound to
// topic exchanges on the shared broker.
type AmqpFactory struct {
	uri    string
	logger watermill.LoggerAdapter
}

func NewAmqpFactory(uri string, logger watermill.LoggerAdapter) *AmqpFactory {
	return &AmqpFactory{uri: uri, logger: logger}
}

func (f *AmqpFactory) topicExchangeConfig(exchange, queue string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(f.uri, amqp.GenerateQueueNameConstant(queue))
	cfg.Exchange.GenerateName = func(string) string { return exchange }
	cfg.Exchange.Type = "topic"
	cfg.Exchange.Durable = true
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	return cfg
}

// BuildPublisher returns a publisher whose topics become routing keys
// on the given exchange.
func (f *AmqpFactory) BuildPublisher(exchange string) (message.Publisher, error) {
	return amqp.NewPublisher(f.topicExchangeConfig(exchange, ""), f.logger)
}

// BuildSubscriber binds queue to exchange with the subscribed topic as
// routing pattern. A queue name shared across the fleet makes the
// consumers compete, which is exactly what envelope ingestion wants:
// each submitted envelope is processed by one node, and the presence
// fanout takes over from there.
func (f *AmqpFactory) BuildSubscriber(exchange, queue string) (message.Subscriber, error) {
	return amqp.NewSubscriber(f.topicExchangeConfig(exchange, queue), f.logger)
}
