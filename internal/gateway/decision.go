package gateway

import (
	"net/http"
	"net/url"

	"errorwatch.app/pipeline/internal/model"
)

type Action int

const (
	ActionPass Action = iota
	ActionRedirect
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionRedirect:
		return "redirect"
	case ActionReject:
		return "reject"
	default:
		return "pass"
	}
}

// ErrorAuthUnavailable is sent in the login redirect when the identity provider is down.
const ErrorAuthUnavailable = "auth_unavailable"

// Decision is the single terminal outcome for a request.
type Decision struct {
	Action       Action
	Location     string // set for ActionRedirect
	Status       int    // set for ActionReject
	ClearCookies bool
	Principal    *model.Principal
	// Degraded is set when the request passes without a confirmed principal.
	Degraded bool
	Reason   string
}

func pass(p *model.Principal, reason string) Decision {
	return Decision{Action: ActionPass, Principal: p, Reason: reason}
}

func redirect(location, reason string) Decision {
	return Decision{Action: ActionRedirect, Location: location, Reason: reason}
}

func unavailable(reason string) Decision {
	return Decision{Action: ActionReject, Status: http.StatusServiceUnavailable, Reason: reason}
}

func loginRedirect(path, errorCode string, clear bool, reason string) Decision {
	q := url.Values{}
	q.Set("redirect", path)
	if errorCode != "" {
		q.Set("error", errorCode)
	}
	d := redirect("/login?"+q.Encode(), reason)
	d.ClearCookies = clear
	return d
}
