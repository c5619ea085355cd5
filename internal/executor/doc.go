// Package executor owns a node's status register and runs one action at a
// time against its device.
//
// Admission goes through a one-slot semaphore: a caller either takes the slot
// or waits for it until the admission timeout or its context expires. The slot
// holder reconnects a failed device before dispatching, so a node in ERROR
// recovers on the next action or rejects it with a connection failure.
package executor
