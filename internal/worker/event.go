package worker

// EventKind identifies the status a claim attempt reports to the polling
// loop.
type EventKind int

const (
	// EventWorking means the attempt claimed a job and is about to run it.
	EventWorking EventKind = iota
	// EventNoJobAvailable means the attempt found the queue empty.
	EventNoJobAvailable
	// EventErrorLoadingJob means the claim query (or its transaction) failed.
	EventErrorLoadingJob
	// EventFailedToAcquireConnection means no database connection could be
	// checked out.
	EventFailedToAcquireConnection
)

func (k EventKind) String() string {
	switch k {
	case EventWorking:
		return "working"
	case EventNoJobAvailable:
		return "no_job_available"
	case EventErrorLoadingJob:
		return "error_loading_job"
	case EventFailedToAcquireConnection:
		return "failed_to_acquire_connection"
	default:
		return "unknown"
	}
}

// Event is produced by exactly one claim attempt and consumed by exactly one
// iteration of the polling loop. Err is set for the two failure kinds.
type Event struct {
	Kind EventKind
	Err  error
}

// emitter delivers one attempt's event. Implementations must not block once
// the polling run that issued the attempt has returned.
type emitter func(Event)

// channelEmitter sends on events until done is closed, after which events are
// dropped so an abandoned attempt never blocks its worker.
func channelEmitter(events chan<- Event, done <-chan struct{}) emitter {
	return func(ev Event) {
		select {
		case events <- ev:
		case <-done:
		}
	}
}
