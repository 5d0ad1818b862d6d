// Package rabbitmq owns the relay's broker connection.
//
// The Client dials the broker, opens one channel, declares the durable main
// and error queues, and reconnects after a fixed delay whenever the
// connection or channel closes. While disconnected the channel handle is
// cleared so Publish fails immediately instead of writing to a dead channel.
//
// Connection and Channel are narrow interfaces over amqp091-go so the
// reconnect state machine can be driven by fakes in tests.
package rabbitmq
