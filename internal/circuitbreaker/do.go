package circuitbreaker

import "fmt"

// Do runs op through the breaker. If the circuit is open the op is not
// invoked and ErrCircuitOpen is returned immediately, so a dead provider
// costs the dispatcher nothing. Success and failure are recorded for the
// state machine.
func (cb *CircuitBreaker) Do(op func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name)
	}

	if err := op(); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}
