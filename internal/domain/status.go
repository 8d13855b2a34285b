package domain

// Status is the derived display state of an outbound message. It is never
// stored: it is recomputed from the receipt sets and the recipient roster
// on every evaluation.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// StatusFor computes the display status of m against the given recipient
// ids (the conversation's current participants minus the sender).
//
// A read receipt counts as evidence of delivery, so a recipient present in
// ReadBy satisfies the delivered check even if DeliveredBy was never
// populated for them.
func (m *Message) StatusFor(recipients []int64) Status {
	if m.Pending() {
		return StatusSending
	}
	if len(recipients) == 0 {
		return StatusSent
	}
	allRead, allDelivered := true, true
	for _, id := range recipients {
		read := m.ReadBy.Has(id)
		if !read {
			allRead = false
		}
		if !read && !m.DeliveredBy.Has(id) {
			allDelivered = false
		}
	}
	switch {
	case allRead:
		return StatusRead
	case allDelivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}
