package domain

import "time"

// User is a server-side account. The client only ever sees the Participant
// projection.
type User struct {
	ID           int64     `json:"id"`
	OfficeID     int64     `json:"office_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Participant projects the account into its conversation-member shape.
func (u *User) Participant() Participant {
	return Participant{ID: u.ID, Name: u.Name, OfficeID: u.OfficeID}
}
