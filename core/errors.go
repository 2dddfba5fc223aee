package orchestration

import "errors"

var (
	// ErrModelBackend marks failures of the model backend. They abort the
	// turn they happened in, the session carries on.
	ErrModelBackend = errors.New("model backend error")
	// ErrMaxToolRounds fails a turn whose model keeps asking for tools.
	ErrMaxToolRounds = errors.New("too many tool rounds in one turn")

	ErrNoModel             = errors.New("no streaming model configured")
	ErrAlreadyOrchestrated = errors.New("orchestrator can only run once")
)
