package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"mailerd/internal/models"
)

const signatureTemplate = "\n" +
	"\n" +
	"If you no longer wish to receive emails from us, please use this link:\n" +
	"%s\n" +
	"To see what details we hold on you and to edit the details of your membership, please use this link:\n" +
	"%s\n" +
	"To permanently remove your membership details from our records, please use this link:\n" +
	"%s\n"

var htmlWrapper = template.Must(template.New("mailout").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Subject}}</title>
</head>
<body>
<p>Dear {{.MemberName}},</p>
{{.Body}}
<hr>
<p style="font-size: small">
If you no longer wish to receive emails from us, please <a href="{{.UnsubscribeLink}}">unsubscribe</a>.<br>
To see what details we hold on you and to edit the details of your membership, <a href="{{.EditLink}}">edit your details</a>.<br>
To permanently remove your membership details from our records, <a href="{{.DeleteLink}}">delete your details</a>.
</p>
</body>
</html>
`))

// Links are a member's self-service URLs. Each carries the member's key.
type Links struct {
	Unsubscribe string
	Edit        string
	Delete      string
}

// Renderer personalises a mailout for each recipient.
type Renderer struct {
	host   string
	policy *bluemonday.Policy
}

// NewRenderer returns a renderer building links against host, e.g.
// "https://example.org".
func NewRenderer(host string) *Renderer {
	return &Renderer{
		host:   strings.TrimRight(host, "/"),
		policy: bluemonday.UGCPolicy(),
	}
}

// LinksFor builds the unsubscribe, edit and delete URLs for r.
func (rd *Renderer) LinksFor(r models.Recipient) Links {
	id := strconv.FormatInt(r.ID, 10)
	key := url.QueryEscape(r.Key)
	return Links{
		Unsubscribe: rd.host + "/members/" + id + "/unsubscribe/?k=" + key,
		Edit:        rd.host + "/members/" + id + "/edit/?k=" + key,
		Delete:      rd.host + "/members/" + id + "/delete?k=" + key,
	}
}

// Render builds the message for one recipient: a greeting, the job's body
// verbatim, and the self-service links. The HTML part is only produced when
// the job asks for HTML and has some.
func (rd *Renderer) Render(job *models.Job, r models.Recipient) (Message, error) {
	links := rd.LinksFor(r)

	msg := Message{
		To:      r.Email,
		Subject: job.Subject,
		Text: fmt.Sprintf("Dear %s,\n\n", r.Name) + job.BodyText +
			fmt.Sprintf(signatureTemplate, links.Unsubscribe, links.Edit, links.Delete),
	}

	if job.SendHTML && job.BodyHTML != "" {
		var buf bytes.Buffer
		err := htmlWrapper.Execute(&buf, map[string]any{
			"Subject":         job.Subject,
			"Body":            template.HTML(rd.policy.Sanitize(job.BodyHTML)),
			"MemberName":      r.Name,
			"UnsubscribeLink": links.Unsubscribe,
			"EditLink":        links.Edit,
			"DeleteLink":      links.Delete,
		})
		if err != nil {
			return Message{}, fmt.Errorf("render html: %w", err)
		}
		msg.HTML = buf.String()
	}

	return msg, nil
}
