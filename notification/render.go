package notification

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/storage"
)

// Rendered - subject and bodies ready to send
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render executes the template over data; missing keys render empty.
func Render(tpl *storage.EmailTemplate, data map[string]string, subjectOverride string) (*Rendered, error) {
	if data == nil {
		data = map[string]string{}
	}
	out := &Rendered{}
	var err error
	if subjectOverride != "" {
		out.Subject = subjectOverride
	} else if out.Subject, err = renderText(tpl.Code+":subject", tpl.Subject, data); err != nil {
		return nil, err
	}
	// header injection guard
	out.Subject = strings.Join(strings.Fields(out.Subject), " ")
	if out.HTML, err = renderHTML(tpl.Code+":html", tpl.HTML, data); err != nil {
		return nil, err
	}
	if tpl.Text != "" {
		if out.Text, err = renderText(tpl.Code+":text", tpl.Text, data); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func renderText(name string, body string, data map[string]string) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render %s", name)
	}
	return buf.String(), nil
}

func renderHTML(name string, body string, data map[string]string) (string, error) {
	t, err := htmltemplate.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render %s", name)
	}
	return buf.String(), nil
}
