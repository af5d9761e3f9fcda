package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrContractNotFound = errors.New("option contract not found")
	ErrStopLossRecorded = errors.New("stop-loss exit already recorded")
	ErrPositionClosed   = errors.New("position already closed")
	ErrInsufficientBars = errors.New("insufficient bars for signal")
	ErrQueueFull        = errors.New("order queue full")
)
