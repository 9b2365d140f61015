package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/retry"
	"github.com/meshsched/meshsched/pkg/tracing"
)

// AMQPLink publishes messages to a direct exchange using the node id as
// routing key. Each node consumes from its own durable queue.
type AMQPLink struct {
	exchange string
	log      *logging.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to the broker with retries and declares the exchange
func DialAMQP(ctx context.Context, config Config, log *logging.Logger) (*AMQPLink, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithField("component", "transport")

	rc := config.Retry
	rc.RetryIf = nil
	rc.OnRetry = func(err error, wait time.Duration) {
		log.Warnf("[Transport] Failed to connect to RabbitMQ, retrying in %v: %v", wait, err)
	}

	conn, err := retry.DoValue(ctx, rc, func() (*amqp.Connection, error) {
		return amqp.Dial(config.AMQPURL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(config.AMQPExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", config.AMQPExchange, err)
	}

	log.Infof("[Transport] Connected to RabbitMQ exchange %s", config.AMQPExchange)
	return &AMQPLink{exchange: config.AMQPExchange, log: log, conn: conn, ch: ch}, nil
}

// QueueName is the queue a node consumes assignments from
func QueueName(exchange, nodeID string) string {
	return fmt.Sprintf("%s.%s", exchange, nodeID)
}

// Send implements routing.Link
func (l *AMQPLink) Send(ctx context.Context, nodeID string, msg *models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}

	carrier := make(map[string]string)
	tracing.InjectMap(ctx, carrier)
	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}

	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if ch == nil {
		return ErrClosed
	}

	err = ch.PublishWithContext(ctx,
		l.exchange, // Exchange
		nodeID,     // Routing key
		false,      // Mandatory
		false,      // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    msg.Timestamp,
			Headers:      headers,
			Priority:     messagePriority(msg),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", msg.ID, nodeID, err)
	}
	return nil
}

// Consume declares nodeID's queue and runs h for each delivery until ctx is
// done. Failed handlers are requeued once, then dropped.
func (l *AMQPLink) Consume(ctx context.Context, nodeID string, h Handler) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if ch == nil {
		return ErrClosed
	}

	queue := QueueName(l.exchange, nodeID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{"x-max-priority": int32(models.PriorityUrgent)}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, nodeID, l.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, nodeID, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	l.log.Infof("[Transport] Consuming assignments from %s", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			l.handleDelivery(ctx, d, h)
		}
	}
}

func (l *AMQPLink) handleDelivery(ctx context.Context, d amqp.Delivery, h Handler) {
	var msg models.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		l.log.Errorf("[Transport] Dropping malformed delivery %s: %v", d.MessageId, err)
		d.Nack(false, false)
		return
	}

	carrier := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	ctx = tracing.ExtractMap(ctx, carrier)

	if err := h(ctx, &msg); err != nil {
		l.log.Warnf("[Transport] Handler failed for %s: %v", msg.ID, err)
		d.Nack(false, !d.Redelivered)
		return
	}
	d.Ack(false)
}

// Close closes the channel and connection
func (l *AMQPLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	l.ch = nil
	err := l.conn.Close()
	l.conn = nil
	return err
}

// messagePriority carries the task priority of assignments onto the broker
func messagePriority(msg *models.Message) uint8 {
	if msg.Type != models.MessageTypeTaskAssignment {
		return 0
	}
	var a models.TaskAssignment
	if err := msg.DecodePayload(&a); err != nil || !a.Priority.Valid() {
		return 0
	}
	return uint8(a.Priority)
}
