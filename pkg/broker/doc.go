// Package broker provides a managed, auto-reconnecting session to the
// message broker over a single durable queue bound to one direct exchange.
//
// One background goroutine owns the AMQP connection; the public
// Start/Send/Consume/Stop surface is safe to call from any goroutine and
// keeps working across reconnects. Publishes use mandatory routing with
// publisher confirms; a nack forces a reconnect so the next Send starts
// from fresh channel state. Unroutable messages that come back via the
// return channel are re-published as-is, preserving at-least-once delivery
// without surfacing transient topology errors to the caller.
package broker
