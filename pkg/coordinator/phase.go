package coordinator

// Phase is a step of the per-turn state machine.
type Phase int

const (
	ResolvingSession Phase = iota
	Preprocessing
	Dispatching
	Streaming
	Committing
	Done
	Cancelled
	Failed
)

var phaseNames = [...]string{
	"resolving_session",
	"preprocessing",
	"dispatching",
	"streaming",
	"committing",
	"done",
	"cancelled",
	"failed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports whether the phase ends a turn.
func (p Phase) Terminal() bool {
	return p >= Done
}
