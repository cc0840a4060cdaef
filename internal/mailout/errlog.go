package mailout

// errorLog keeps the first limit error lines and counts the rest.
type errorLog struct {
	limit int
	lines []string
	total int
}

func newErrorLog(limit int) *errorLog {
	return &errorLog{limit: limit}
}

func (l *errorLog) Add(line string) {
	l.total++
	if len(l.lines) < l.limit {
		l.lines = append(l.lines, line)
	}
}

func (l *errorLog) Lines() []string {
	return l.lines
}

// Total counts every line added, kept or not.
func (l *errorLog) Total() int {
	return l.total
}

func (l *errorLog) Truncated() bool {
	return l.total > len(l.lines)
}
