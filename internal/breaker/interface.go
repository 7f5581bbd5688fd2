package breaker

// CircuitBreaker is the interface callers program against when wrapping an
// outbound call in a breaker.
type CircuitBreaker interface {
	// Execute should wrap the given function call in circuit breaker logic and return the result.
	Execute(func() (interface{}, error)) (interface{}, error)
}
