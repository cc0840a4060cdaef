package mailout

import (
	"fmt"
	"strings"
)

const maxReportErrors = 100

// reportText is the body of the delivery report sent to the operator after a
// mailout: the count sent, the recorded errors, then the original body.
func reportText(venue string, sent int, errs *errorLog, bodyText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d copies of the following were sent out on %s members list\n", sent, venue)

	if errs.Total() > 0 {
		fmt.Fprintf(&b, "%d errors:\n%s\n", errs.Total(), strings.Join(errs.Lines(), "\n"))
		if errs.Truncated() {
			fmt.Fprintf(&b, "(Error list truncated at %d entries)\n", maxReportErrors)
		}
	}

	b.WriteString("\n")
	b.WriteString(bodyText)
	return b.String()
}
