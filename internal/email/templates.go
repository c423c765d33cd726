package email

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"sync"
	texttemplate "text/template"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Template renders the subject and HTML body of one kind of message.
// Subjects are plain text; bodies are HTML-escaped.
type Template struct {
	Subject *texttemplate.Template
	Body    *template.Template
}

var funcs = template.FuncMap{
	// lookup reads a dotted path from the data, so templates can reach ticket.title.
	"lookup": func(data map[string]any, path string) any {
		v, _ := expressions.Lookup(data, path)
		return v
	},
	"default": func(def string, v any) any {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

// Templates is a named set of message templates.
type Templates struct {
	mu  sync.RWMutex
	set map[string]Template
}

// NewTemplates returns the built-in ack_ticket and escalate_ticket templates.
func NewTemplates() *Templates {
	t := &Templates{set: make(map[string]Template)}
	for name, src := range builtin {
		if err := t.Register(name, src.subject, src.body); err != nil {
			panic(fmt.Sprintf("email template %s: %v", name, err))
		}
	}
	return t
}

// Register parses and adds a template, replacing any with the same name.
func (t *Templates) Register(name, subject, body string) error {
	s, err := texttemplate.New(name + ".subject").Funcs(texttemplate.FuncMap(funcs)).Parse(subject)
	if err != nil {
		return err
	}
	b, err := template.New(name).Funcs(funcs).Parse(body)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.set[name] = Template{Subject: s, Body: b}
	t.mu.Unlock()
	return nil
}

// Names lists the registered templates.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.set))
	for n := range t.set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render produces the subject and body for name.
func (t *Templates) Render(name string, data map[string]any) (subject, body string, err error) {
	t.mu.RLock()
	tpl, ok := t.set[name]
	t.mu.RUnlock()
	if !ok {
		return "", "", schema.NewErrorf(schema.ErrCodeInvalidParams, "unknown email template %q", name)
	}
	var sb, bb bytes.Buffer
	if err := tpl.Subject.Execute(&sb, data); err != nil {
		return "", "", schema.NewErrorf(schema.ErrCodeInvalidParams, "render %s subject: %v", name, err)
	}
	if err := tpl.Body.Execute(&bb, data); err != nil {
		return "", "", schema.NewErrorf(schema.ErrCodeInvalidParams, "render %s: %v", name, err)
	}
	return sb.String(), bb.String(), nil
}

var builtin = map[string]struct{ subject, body string }{
	"ack_ticket": {
		subject: `We received your ticket #{{default "N/A" .ticket_id}}`,
		body: `<h2>Ticket Acknowledgment</h2>
<p>We've received your ticket (#{{default "N/A" .ticket_id}}). Our team will get back to you soon.</p>
<p>Ticket Title: {{default "N/A" (lookup . "ticket.title")}}</p>
`,
	},
	"escalate_ticket": {
		subject: `Ticket #{{default "N/A" .ticket_id}} is still unassigned`,
		body: `<h2>Ticket Escalation</h2>
<p>Ticket #{{default "N/A" .ticket_id}} has not been assigned for 2 hours. Please review.</p>
<p>Ticket Title: {{default "N/A" (lookup . "ticket.title")}}</p>
<p>User: {{default "N/A" .user_email}}</p>
`,
	},
}
