package btprobe

import "time"

// WithCharacteristic sets the UUID of the probe status characteristic
func WithCharacteristic(uuid string) func(*Coordinator) {
	return func(c *Coordinator) {
		c.characteristic = uuid
	}
}

// WithConnectTimeout bounds the duration of a connect / subscribe sequence
func WithConnectTimeout(timeout time.Duration) func(*Coordinator) {
	return func(c *Coordinator) {
		c.connectTimeout = timeout
	}
}

// WithStateChangeHandler sets a handler function that is called upon state change
func WithStateChangeHandler(fn func(status ConnectionStatus)) func(*Coordinator) {
	return func(c *Coordinator) {
		c.stateChangeHandler = fn
	}
}

// WithCookDoneHandler sets a handler function that is called when the prediction of the
// device reaches the ready state
func WithCookDoneHandler(fn func(device Device)) func(*Coordinator) {
	return func(c *Coordinator) {
		c.cookDoneHandler = fn
	}
}

// WithLogger sets a logger
func WithLogger(logger Logger) func(*Coordinator) {
	return func(c *Coordinator) {
		c.logger = logger
	}
}
