package stream

import (
	"time"

	"chatlink/model"
)

// DateGroup is one calendar day's worth of messages, in buffer order.
type DateGroup struct {
	Date     time.Time // midnight, local zone
	Messages []model.Message
}

// Groups buckets the buffer by calendar day for date-header rendering.
// Messages without a timestamp are excluded here but remain in the raw
// buffer.
func (s *Store) Groups() []DateGroup {
	msgs := s.Snapshot()

	var groups []DateGroup
	var day time.Time
	for _, m := range msgs {
		if m.SentAt.IsZero() {
			continue
		}
		d := midnight(m.SentAt.Time())
		if len(groups) == 0 || !d.Equal(day) {
			day = d
			groups = append(groups, DateGroup{Date: d})
		}
		last := &groups[len(groups)-1]
		last.Messages = append(last.Messages, m)
	}
	return groups
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
