package csvparser

import (
	"fmt"
	"os"
)

// ParseFile reads a member export from path.
func ParseFile(path string) ([]MemberRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := ParseMemberRows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}
