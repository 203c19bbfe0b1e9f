package relay

import "errors"

var (
	ErrNotConnected  = errors.New("participant not connected")
	ErrSendQueueFull = errors.New("send queue full")
)
