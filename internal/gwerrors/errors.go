// Package gwerrors holds the small error taxonomy every layer of the
// gateway classifies failures into, so callers can errors.As/errors.Is
// instead of parsing messages.
package gwerrors

import "fmt"

// ValidationError marks a malformed envelope: unsafe segment, empty
// botId, bad user id. Logged at error level; the event is dropped
// silently.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConfigMissingError marks a required env var absent at init. Fatal:
// the process exits 1.
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("config missing: %s", e.Key)
}

// TransientInfraError wraps a KV / queue / adapter I/O failure. Logged
// at warn level, retried on the next tick or next event; never surfaces
// to chat.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient infra error during %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// AdapterSendError marks an upstream send failure. Propagated to the
// caller (worker) as an error return; the core does not retry.
type AdapterSendError struct {
	Platform string
	ChannelID string
	Err      error
}

func (e *AdapterSendError) Error() string {
	return fmt.Sprintf("adapter send failed on %s/%s: %v", e.Platform, e.ChannelID, e.Err)
}

func (e *AdapterSendError) Unwrap() error { return e.Err }

// GateContention names the case where appendAndRequestJob found the gate
// already owned. Not an error condition for the caller: the event is
// already queued and the existing owner will process it.
// Buffer.AppendAndRequestJob reports that case as ("", false, nil) and
// does not construct this type.
type GateContention struct {
	Key string
}

func (e *GateContention) Error() string {
	return fmt.Sprintf("gate contention on %s", e.Key)
}

// EnqueueFailure marks SessionQueue.enqueue failing after the gate was
// claimed. The dispatcher MUST release the gate before propagating this
// so the key is not stuck.
type EnqueueFailure struct {
	Key string
	Err error
}

func (e *EnqueueFailure) Error() string {
	return fmt.Sprintf("enqueue failed for %s: %v", e.Key, e.Err)
}

func (e *EnqueueFailure) Unwrap() error { return e.Err }
