package signaling

import (
	"context"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// Subject identifies who is asking for a permission check.
type Subject struct {
	Participant domain.ParticipantID
	User        domain.UserID
	Role        domain.Role
}

// Authz is the policy facade consulted by modules before privileged
// operations. The production deployment can back it with an external policy
// engine; the default is the role table below.
type Authz interface {
	Check(ctx context.Context, subject Subject, action, resource string) (bool, error)
}

// Actions checked by the built-in modules.
const (
	ActionModerate  = "moderate" // kick, ban, accept, reset hands
	ActionRecord    = "record"   // start/stop recording
	ActionBreakout  = "breakout" // start/stop breakout sessions
	ActionStartPoll = "poll"     // start/finish polls
	ActionTimer     = "timer"    // start/stop the room timer
)

// RoleAuthz grants every privileged action to moderators and nothing to
// anyone else.
type RoleAuthz struct{}

func NewRoleAuthz() *RoleAuthz { return &RoleAuthz{} }

func (a *RoleAuthz) Check(_ context.Context, subject Subject, action, _ string) (bool, error) {
	switch action {
	case ActionModerate, ActionRecord, ActionBreakout, ActionStartPoll, ActionTimer:
		return subject.Role.IsModerator(), nil
	default:
		return false, nil
	}
}
