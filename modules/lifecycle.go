package modules

import (
	"emperror.dev/errors"

	"github.com/priyxstudio/forge/internal/models"
)

// Action is one of the operator-triggered lifecycle operations on an
// installed module.
type Action string

const (
	ActionPrepareDatabase Action = "prepare-db"
	ActionActivate        Action = "activate"
	ActionDeactivate      Action = "deactivate"
	ActionUninstall       Action = "uninstall"
)

// ErrActionNotAllowed is returned when an action is requested against a
// module whose current status does not permit it. This is enforced here
// regardless of what any client UI offers; UI affordances are not a security
// boundary.
var ErrActionNotAllowed = errors.Sentinel("modules: action not allowed in current status")

// transitions is the allowed-action matrix: for each status, the actions that
// may be performed and the status they lead to. A status absent from this map
// (including anything unrecognized) blocks every action.
var transitions = map[models.ModuleStatus]map[Action]models.ModuleStatus{
	models.ModuleStatusDetected: {},
	models.ModuleStatusInstalled: {
		ActionPrepareDatabase: models.ModuleStatusDbReady,
		ActionUninstall:       "",
	},
	models.ModuleStatusDbReady: {
		ActionActivate:  models.ModuleStatusActive,
		ActionUninstall: "",
	},
	models.ModuleStatusActive: {
		ActionDeactivate: models.ModuleStatusDisabled,
	},
	models.ModuleStatusDisabled: {
		ActionActivate:  models.ModuleStatusActive,
		ActionUninstall: "",
	},
}

// CanPerform reports whether the action is permitted for a module in the
// given status. Unknown statuses fail safe and permit nothing.
func CanPerform(status models.ModuleStatus, action Action) bool {
	allowed, ok := transitions[status]
	if !ok {
		return false
	}
	_, ok = allowed[action]
	return ok
}

// AllowedActions returns the set of actions permitted for the given status,
// for presentation to operators.
func AllowedActions(status models.ModuleStatus) []Action {
	var out []Action
	for _, a := range []Action{ActionPrepareDatabase, ActionActivate, ActionDeactivate, ActionUninstall} {
		if CanPerform(status, a) {
			out = append(out, a)
		}
	}
	return out
}

// Transition returns the status a module moves to when the action is applied,
// or ErrActionNotAllowed if the matrix forbids it. Uninstall is terminal and
// yields no successor status.
func Transition(status models.ModuleStatus, action Action) (models.ModuleStatus, error) {
	allowed, ok := transitions[status]
	if !ok {
		return "", errors.WithDetails(ErrActionNotAllowed, "status", string(status), "action", string(action))
	}
	next, ok := allowed[action]
	if !ok {
		return "", errors.WithDetails(ErrActionNotAllowed, "status", string(status), "action", string(action))
	}
	return next, nil
}
