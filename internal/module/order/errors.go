package order

import "errors"

var (
	// ErrOrderNotFound is returned when an order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned when a status transition violates the state graph.
	ErrInvalidTransition = errors.New("invalid order transition")
)
