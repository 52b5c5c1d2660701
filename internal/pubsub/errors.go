package pubsub

import "errors"

var (
	// ErrClosed is returned when operations are attempted on a closed PubSub
	ErrClosed = errors.New("pubsub: closed")

	// ErrEmptyTopic is returned for a publish or subscribe without a topic
	ErrEmptyTopic = errors.New("pubsub: empty topic")
)
