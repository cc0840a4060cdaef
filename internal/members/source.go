// Package members provides the recipients of a mailout: members with an
// email address who have not opted out and whose address has not bounced.
package members

import (
	"context"
	"errors"
	"strings"

	"mailerd/internal/models"
)

// Source yields the recipients eligible for a mailout. filter, when not
// empty, narrows the set to members whose email address contains it
// (case-insensitive).
type Source interface {
	MailoutRecipients(ctx context.Context, filter string) (RecipientSet, error)
}

// RecipientSet is a lazily iterated set of recipients.
type RecipientSet interface {
	// Count returns the number of recipients without reading them all.
	Count(ctx context.Context) (int, error)
	// Each calls fn for every recipient until fn returns an error, which Each
	// then returns.
	Each(ctx context.Context, fn func(models.Recipient) error) error
}

// Static is an in-memory RecipientSet.
type Static []models.Recipient

func (s Static) Count(context.Context) (int, error) {
	return len(s), nil
}

func (s Static) Each(ctx context.Context, fn func(models.Recipient) error) error {
	for _, r := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// StaticSource serves a fixed member list, applying the mailout rules.
type StaticSource struct {
	Members []Member
}

// Member is a row of the membership database as far as mailouts care.
type Member struct {
	models.Recipient
	Mailout       bool
	MailoutFailed bool
}

func (s StaticSource) MailoutRecipients(_ context.Context, filter string) (RecipientSet, error) {
	return eligible(s.Members, filter), nil
}

func eligible(all []Member, filter string) Static {
	filter = strings.ToLower(filter)
	out := make(Static, 0, len(all))
	for _, m := range all {
		if m.Email == "" || !m.Mailout || m.MailoutFailed {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(m.Email), filter) {
			continue
		}
		out = append(out, m.Recipient)
	}
	return out
}

var errNoSource = errors.New("no recipient source configured")
