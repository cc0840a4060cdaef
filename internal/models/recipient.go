package models

// Recipient is a member who gets the mailout. Key is the member's secret
// token, used to authorise the self-service links in each message.
type Recipient struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Key   string `json:"-"`
}
