package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Job queue topics. Every tenant worker binds its own queues to these
// exchanges, routed by tenant ID so one RabbitMQ cluster serves every tenant.
const (
	WebhookTopic  = "sync.webhook"  // inbound channel webhook payloads, queued for the watcher
	SyncTopic     = "sync.propagate" // stock propagation jobs, queued for the syncer
	ReconcileTopic = "sync.reconcile" // per-tenant reconciliation sweep triggers, queued for the guardian
	AlertTopic    = "sync.alert"     // alert evaluation jobs, queued for the alert engine
)

// MaxRetryCount bounds in-queue retries before a job is dead-lettered.
const MaxRetryCount = 3

// DLX is the dead letter exchange every topic-specific DLQ binds to.
const DLX = "dlx"

// removeOnFailTTL is how long a dead-lettered job stays inspectable in its
// topic's DLQ before RabbitMQ drops it, per spec.md §4.2's removeOnFail policy.
const removeOnFailTTL = 7 * 24 * time.Hour

// Connect opens a channel to RabbitMQ and bootstraps the DLX, topic
// exchanges and their dead-letter queues.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := createDLQAndDLX(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create DLQ: %w", err)
	}

	if err := createExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create exchanges: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

// QueueNameForTenant derives a tenant-scoped queue name from a topic, so
// every tenant's jobs are isolated into their own queue behind the shared
// exchange.
func QueueNameForTenant(topic, tenantID string) string {
	return topic + "." + tenantID
}

// HandleRetry tracks an in-message retry counter and either republishes
// the job with a linear backoff or, once MaxRetryCount is exhausted, nacks
// it without requeue so RabbitMQ's DLX routes it to the topic's DLQ.
func HandleRetry(ch *amqp.Channel, d *amqp.Delivery) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers["x-retry-count"].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	log.Printf("retrying job, retry count: %d, queue: %s", retryCount, d.RoutingKey)

	if retryCount >= MaxRetryCount {
		log.Printf("max retries reached for %s, routing to DLX", d.RoutingKey)
		return d.Nack(false, false)
	}

	time.Sleep(time.Second * time.Duration(retryCount))

	return ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func createDLQAndDLX(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		DLX,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	topics := []string{WebhookTopic, SyncTopic, ReconcileTopic, AlertTopic}
	for _, topic := range topics {
		dlq := topic + ".dlq"
		_, err := ch.QueueDeclare(
			dlq,
			true,
			false,
			false,
			false,
			amqp.Table{"x-message-ttl": removeOnFailTTL.Milliseconds()},
		)
		if err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}

		err = ch.QueueBind(
			dlq,
			topic,
			DLX,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to bind DLQ %s to DLX: %w", dlq, err)
		}
	}

	return nil
}

func createExchanges(ch *amqp.Channel) error {
	topics := []string{WebhookTopic, SyncTopic, ReconcileTopic, AlertTopic}
	for _, topic := range topics {
		err := ch.ExchangeDeclare(
			topic,
			"direct",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", topic, err)
		}
	}

	log.Printf("job queue exchanges created: %s, %s, %s, %s", WebhookTopic, SyncTopic, ReconcileTopic, AlertTopic)
	return nil
}
