package core

import "errors"

// Protocol violations: the client asked for something its own state
// machine forbids. Rejected, never fatal.
var (
	ErrAlreadyProducing    = errors.New("upstream transport already exists")
	ErrProducerExists      = errors.New("producer for this kind already exists")
	ErrDuplicateDownstream = errors.New("downstream transport for this audio producer already exists")
)

// Not-found rejections: the request references state this client does
// not have.
var (
	ErrNotJoined         = errors.New("client has not joined a room")
	ErrRoomClosed        = errors.New("room is being torn down")
	ErrTransportNotFound = errors.New("no matching transport")
	ErrConsumerNotFound  = errors.New("no matching consumer")
	ErrNoSuchProducer    = errors.New("no client owns this producer")
)

// Engine failures: the media engine rejected a call. Propagated to the
// caller as a rejection ack, never retried (a retry would duplicate
// partial engine state).
var (
	ErrConnectFailed = errors.New("transport connect failed")
	ErrProduceFailed = errors.New("produce failed")
	ErrConsumeFailed = errors.New("consume failed")
	ErrCannotConsume = errors.New("router cannot consume this producer")
)
