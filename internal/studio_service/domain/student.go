package domain

import "time"

// Student is a registered dancer.
type Student struct {
	ID               string    `json:"id"`
	FirstName        string    `json:"firstName"`
	LastName         string    `json:"lastName"`
	Email            string    `json:"email"`
	Phone            *string   `json:"phone,omitempty"`
	StripeCustomerID *string   `json:"stripeCustomerId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (s *Student) FullName() string {
	return s.FirstName + " " + s.LastName
}
