package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Topology is the set of queues declared on every (re)connect
type Topology struct {
	MainQueue  string
	ErrorQueue string
}

// Validate checks that both queue names are set and distinct
func (t Topology) Validate() error {
	if t.MainQueue == "" || t.ErrorQueue == "" {
		return fmt.Errorf("%w: main and error queue names are required", ErrInvalidConfiguration)
	}
	if t.MainQueue == t.ErrorQueue {
		return fmt.Errorf("%w: main and error queue must differ", ErrInvalidConfiguration)
	}
	return nil
}

// Queues returns the durable declarations for the main and error queues
func (t Topology) Queues() []QueueDeclaration {
	return []QueueDeclaration{
		{Name: t.MainQueue, Durable: true},
		{Name: t.ErrorQueue, Durable: true},
	}
}

// declare declares every queue of the topology on ch
func (t Topology) declare(ch Channel) error {
	for _, queue := range t.Queues() {
		if _, err := declareQueue(ch, queue); err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      queue.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
