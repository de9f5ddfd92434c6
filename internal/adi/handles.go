package adi

import "fmt"

const slotBits = 20

// begin records a provisioning attempt and returns its handle. Handles
// carry the init epoch so one issued before a re-init never matches.
func (s *Session) begin(dsid uint64, session uint32) uint32 {
	slot := -1
	for i := range s.attempts {
		if !s.attempts[i].live {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = len(s.attempts)
		s.attempts = append(s.attempts, attempt{})
	}
	s.attempts[slot] = attempt{dsid: dsid, session: session, live: true}
	return s.epoch<<slotBits | uint32(slot+1)
}

func (s *Session) lookup(handle uint32) (attempt, error) {
	epoch, slot := handle>>slotBits, int(handle&(1<<slotBits-1))-1
	if epoch != s.epoch || slot < 0 || slot >= len(s.attempts) || !s.attempts[slot].live {
		return attempt{}, fmt.Errorf("adi: provisioning handle 0x%x: %w", handle, ErrInvalidState)
	}
	return s.attempts[slot], nil
}

func (s *Session) release(handle uint32) {
	slot := int(handle&(1<<slotBits-1)) - 1
	if slot >= 0 && slot < len(s.attempts) {
		s.attempts[slot] = attempt{}
	}
}
