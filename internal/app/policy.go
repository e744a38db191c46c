package app

import (
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a member whose send buffer was full.
type Policy interface {
	OnBackPressure(room domain.RoomName, conn core.ConnID) BackpressureAction
}

// SimplePolicy kicks every slow member.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, core.ConnID) BackpressureAction {
	return KickMember
}

// Enforce applies p to every dropped member of a publish result.
func Enforce(p Policy, reg *Registry, room domain.RoomName, res core.PublishResult) {
	if p == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch p.OnBackPressure(room, slow) {
		case KickMember:
			reg.Cancel(slow)
		case NoAction:
		}
	}
}
