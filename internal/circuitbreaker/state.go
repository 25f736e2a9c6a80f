package circuitbreaker

type State int

const (
	// Requests pass through
	StateClosed State = iota
	// Requests fail fast
	StateOpen
	// Trial requests decide whether to close again
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
