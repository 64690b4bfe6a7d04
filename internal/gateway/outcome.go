package gateway

import "fmt"

type OutcomeKind int

const (
	Success OutcomeKind = iota
	TransientFailure
	PermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the classified result of one Send call. CorrelationID is the id
// used on the last attempt and is set for every kind.
type Outcome struct {
	Kind          OutcomeKind
	Recipient     string
	CorrelationID string
	StatusCode    int
	Reason        string
	Attempts      int
	// Unauthorized marks a transient failure caused by a rejected token.
	Unauthorized bool
}

func (o Outcome) OK() bool { return o.Kind == Success }
