package engine

import (
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/similarity"
)

// Decision is the outcome of the notify policy for one verdict.
type Decision struct {
	Notify     bool
	Deactivate bool
	Reason     string
}

// Decide applies the task's notify behavior to a fresh verdict. previous is
// the task's last known state, nil before the first successful execution.
func Decide(behavior models.NotifyBehavior, conditionMet bool, answer string, previous *models.TaskState) Decision {
	if !conditionMet {
		return Decision{Reason: "condition not met"}
	}

	switch behavior {
	case models.NotifyOnce:
		if previous != nil && previous.ConditionMet {
			return Decision{Reason: "condition already met"}
		}
		return Decision{Notify: true, Deactivate: true, Reason: "condition became true"}

	case models.NotifyAlways:
		return Decision{Notify: true, Reason: "condition met"}

	case models.NotifyTrackState:
		if previous == nil {
			return Decision{Notify: true, Reason: "first observation"}
		}
		if similarity.Changed(answer, previous.Answer) {
			return Decision{Notify: true, Reason: "answer changed"}
		}
		return Decision{Reason: "answer unchanged"}

	default:
		return Decision{Reason: "unknown notify behavior " + string(behavior)}
	}
}
