package transfer

// State is the phase of the running cycle
type State int32

const (
	StateIdle State = iota
	StateLocked
	StateAuthenticating
	StateResolvingTarget
	StateListing
	StateTransferring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocked:
		return "locked"
	case StateAuthenticating:
		return "authenticating"
	case StateResolvingTarget:
		return "resolving_target"
	case StateListing:
		return "listing"
	case StateTransferring:
		return "transferring"
	default:
		return "unknown"
	}
}
