package store

import (
	"errorwatch.app/pipeline/core/db"
)

// Stores hands out stores bound to one connection or transaction.
type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Projects() ProjectStore {
	return newProjectStore(s.conn)
}

func (s *Stores) Memberships() MembershipStore {
	return newMembershipStore(s.conn)
}

func (s *Stores) Groups() GroupStore {
	return newGroupStore(s.conn)
}

func (s *Stores) Events() EventStore {
	return newEventStore(s.conn)
}

func (s *Stores) FingerprintRules() FingerprintRuleStore {
	return newFingerprintRuleStore(s.conn)
}

func (s *Stores) AlertRules() AlertRuleStore {
	return newAlertRuleStore(s.conn)
}

func (s *Stores) Notifications() NotificationStore {
	return newNotificationStore(s.conn)
}

func (s *Stores) Replays() ReplayStore {
	return newReplayStore(s.conn)
}
