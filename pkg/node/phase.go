package node

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRequestLock
	PhaseAnnounceSelf
	PhaseAwaitVisibility
	PhaseSyncBook
	PhaseReleaseLock
	PhaseAnnounceSync
	PhaseSteadyState
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseRequestLock:     "request_lock",
	PhaseAnnounceSelf:    "announce_self",
	PhaseAwaitVisibility: "await_visibility",
	PhaseSyncBook:        "sync_book",
	PhaseReleaseLock:     "release_lock",
	PhaseAnnounceSync:    "announce_sync",
	PhaseSteadyState:     "steady_state",
	PhaseFailed:          "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}
