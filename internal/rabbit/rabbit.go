// Package rabbit is the AMQP transport for the delivery engine: durable
// topology, a manually-acking consumer bound to the dispatcher, publishers
// with confirms, and a broker-native delayed redelivery strategy built on
// per-message TTL plus dead-letter-exchange chaining.
package rabbit

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the queues the engine uses. All three are durable; the
// wait queue dead-letters expired messages back to the main queue, which is
// what turns a TTL into a redelivery delay.
type Topology struct {
	// MainQueue carries messages to be processed.
	MainQueue string
	// WaitQueue parks delayed redeliveries until their TTL expires.
	WaitQueue string
	// DeadLetterQueue receives finally-failed entries.
	DeadLetterQueue string
}

// Validate reports whether all queue names are set and distinct.
func (t Topology) Validate() error {
	if t.MainQueue == "" {
		return errors.New("rabbit: main queue name is required")
	}
	if t.WaitQueue == "" {
		return errors.New("rabbit: wait queue name is required")
	}
	if t.DeadLetterQueue == "" {
		return errors.New("rabbit: dead-letter queue name is required")
	}
	if t.WaitQueue == t.MainQueue || t.DeadLetterQueue == t.MainQueue || t.WaitQueue == t.DeadLetterQueue {
		return errors.New("rabbit: queue names must be distinct")
	}
	return nil
}

// Connect dials the broker. The caller owns the connection lifecycle.
func Connect(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit: dial: %w", err)
	}
	return conn, nil
}

// Declare creates the engine's queues on the given channel. Declaring an
// existing queue with the same arguments is a no-op, so Declare is safe to
// run at every startup.
func Declare(ch *amqp.Channel, topo Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		topo.MainQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("rabbit: declare main queue: %w", err)
	}

	// Expired messages fall through the default exchange back onto the main
	// queue. No consumer ever reads the wait queue directly.
	if _, err := ch.QueueDeclare(
		topo.WaitQueue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": topo.MainQueue,
		},
	); err != nil {
		return fmt.Errorf("rabbit: declare wait queue: %w", err)
	}

	if _, err := ch.QueueDeclare(
		topo.DeadLetterQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("rabbit: declare dead-letter queue: %w", err)
	}

	return nil
}

// toTable converts codec headers into an AMQP table. Values travel as
// strings so they survive broker-native dead-lettering between queues.
func toTable(headers map[string][]byte) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = string(v)
	}
	return table
}

// fromTable converts an AMQP table back into codec headers. Non-string
// values other than byte slices are ignored: the codec never writes them.
func fromTable(table amqp.Table) map[string][]byte {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string][]byte, len(table))
	for k, v := range table {
		switch value := v.(type) {
		case string:
			headers[k] = []byte(value)
		case []byte:
			headers[k] = value
		}
	}
	return headers
}

// waitContext blocks until the deferred confirmation resolves or the context
// ends.
func waitConfirm(ctx context.Context, dc *amqp.DeferredConfirmation) error {
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbit: await publish confirm: %w", err)
	}
	if !acked {
		return errors.New("rabbit: broker nacked publish")
	}
	return nil
}
