package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/wa-relay/internal/rabbitmq"
)

// BrokerStatus is the connection view of the queue client
type BrokerStatus interface {
	IsConnected() bool
	State() rabbitmq.State
}

// QueueInspector passively inspects a declared queue
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (rabbitmq.QueueStats, error)
}

// RabbitMQChecker reports whether the publishing channel is live
type RabbitMQChecker struct {
	broker BrokerStatus
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(broker BrokerStatus) *RabbitMQChecker {
	return &RabbitMQChecker{broker: broker}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": c.broker.State().String()},
	}

	if c.broker.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Broker channel is not available"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue exists and reports its depth
type QueueChecker struct {
	queueName        string
	inspector        QueueInspector
	warningThreshold int
}

// NewQueueChecker creates a new queue health checker. A queue holding more than
// warningThreshold messages is degraded; zero disables the threshold.
func NewQueueChecker(queueName string, inspector QueueInspector, warningThreshold int) *QueueChecker {
	return &QueueChecker{
		queueName:        queueName,
		inspector:        inspector,
		warningThreshold: warningThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue, err := c.inspector.InspectQueue(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if c.warningThreshold > 0 && queue.Messages > c.warningThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}

// NewSecretChecker reports the signing secret as unhealthy when it is empty.
// Without it every webhook POST fails with 500.
func NewSecretChecker(secret string) *ComponentChecker {
	return NewComponentChecker("webhook_secret", func(context.Context) (Status, string, map[string]interface{}, error) {
		if secret == "" {
			return StatusUnhealthy, "App secret is not configured", nil, nil
		}
		return StatusHealthy, "App secret is configured", nil, nil
	})
}
