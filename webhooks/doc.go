// Package webhooks delivers events to registered endpoints with at-least-once
// semantics. Service owns the enqueue/dequeue/ack/fail surface, Coordinator
// owns the delivery state machine and retry schedule, and Worker drives
// attempts from the queue.
package webhooks
