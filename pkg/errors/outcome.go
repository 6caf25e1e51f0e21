package errors

// OutcomeKind distinguishes a successful reservation from the two
// non-error ways a reservation attempt can end: the call goes on the
// queue, or it is rejected outright. Neither is a fault, so neither is
// represented as an error further up the call stack.
type OutcomeKind string

const (
    OutcomeOK     OutcomeKind = "ok"
    OutcomeQueue  OutcomeKind = "queue"
    OutcomeReject OutcomeKind = "reject"
)

// Outcome is returned by reservation operations in place of a bare
// error. Only infrastructure faults (DB down, context cancelled) are
// returned as a Go error alongside it; "no capacity right now" is a
// value, not an exception.
type Outcome struct {
    Kind   OutcomeKind
    Reason string
}

func OK() Outcome {
    return Outcome{Kind: OutcomeOK}
}

func Queued(reason string) Outcome {
    return Outcome{Kind: OutcomeQueue, Reason: reason}
}

func Rejected(reason string) Outcome {
    return Outcome{Kind: OutcomeReject, Reason: reason}
}
