package members

import (
	"context"

	"mailerd/internal/csvparser"
	"mailerd/internal/models"
)

// CSVSource reads recipients from a membership CSV export. The file is read
// afresh for every mailout.
type CSVSource struct {
	Path string
}

func (s CSVSource) MailoutRecipients(_ context.Context, filter string) (RecipientSet, error) {
	if s.Path == "" {
		return nil, errNoSource
	}
	rows, err := csvparser.ParseFile(s.Path)
	if err != nil {
		return nil, err
	}

	all := make([]Member, 0, len(rows))
	for _, r := range rows {
		all = append(all, Member{
			Recipient: models.Recipient{
				ID:    r.ID,
				Name:  r.Name,
				Email: r.Email,
				Key:   r.Key,
			},
			Mailout:       r.Mailout,
			MailoutFailed: r.MailoutFailed,
		})
	}
	return eligible(all, filter), nil
}
