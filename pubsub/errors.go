package pubsub

import "errors"

var (
	// ErrPublisherStopped is returned for messages submitted after Stop.
	ErrPublisherStopped = errors.New("pubsub: publisher stopped")

	// ErrOrderingKeyPaused is returned for messages on an ordering key whose
	// actor is paused after a failed batch. ResumePublish clears the pause.
	ErrOrderingKeyPaused = errors.New("pubsub: ordering key paused after publish failure")

	// ErrOverflow is returned when the publisher already buffers the
	// configured maximum of unresolved messages.
	ErrOverflow = errors.New("pubsub: too many messages pending publication")
)
