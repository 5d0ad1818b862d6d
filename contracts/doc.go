// Package contracts defines the wire types the relay writes to the broker.
//
// Two payloads leave the service:
//   - NormalizedMessage: the flattened WhatsApp message, published to the main queue
//   - ErrorEnvelope: a NormalizedMessage that could not be delivered, published to the error queue
//
// Field names follow the snake_case keys consumed by the downstream automation workflows.
package contracts
