package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MemberRow is one member from a membership CSV export.
type MemberRow struct {
	ID            int64
	Name          string
	Email         string
	Key           string
	Mailout       bool
	MailoutFailed bool
}

var required = []string{"id", "name", "email", "key"}

// ParseMemberRows parses a CSV whose header names the columns id, name, email
// and key (case-insensitive, any order). Optional boolean columns mailout
// (default true) and mailout_failed (default false) carry the opt-out and
// bounce flags. Rows with the wrong number of fields are skipped.
func ParseMemberRows(r io.Reader) ([]MemberRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv header row is missing")
	}
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("csv must contain a %s column", col)
		}
	}

	rows := make([]MemberRow, 0)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		var fieldErr *csv.ParseError
		if errors.As(err, &fieldErr) && errors.Is(fieldErr.Err, csv.ErrFieldCount) {
			// skip malformed row
			continue
		}
		if err != nil {
			return nil, err
		}

		field := func(name string) string {
			i, ok := idx[name]
			if !ok {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		id, err := strconv.ParseInt(field("id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid id %q", line, field("id"))
		}
		mailout, err := parseBool(field("mailout"), true)
		if err != nil {
			return nil, fmt.Errorf("line %d: mailout: %w", line, err)
		}
		failed, err := parseBool(field("mailout_failed"), false)
		if err != nil {
			return nil, fmt.Errorf("line %d: mailout_failed: %w", line, err)
		}

		rows = append(rows, MemberRow{
			ID:            id,
			Name:          field("name"),
			Email:         field("email"),
			Key:           field("key"),
			Mailout:       mailout,
			MailoutFailed: failed,
		})
	}

	return rows, nil
}

func parseBool(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseBool(s)
}
