// Package prompt renders the configured message templates against one
// record's bindings, producing the chat messages sent upstream.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// Role values follow the chat-completions convention.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Template is a compiled prompt: an optional system message plus the user
// message, both Go text/templates over the record's bindings.
type Template struct {
	name   string
	system *template.Template
	user   *template.Template
}

// Compile parses the templates once up front so a bad template fails the run
// before any record is processed. A reference to a binding the record doesn't
// carry is a render-time error, not an empty substitution.
func Compile(name, system, user string) (*Template, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("prompt %q: user template is empty", name)
	}

	t := &Template{name: name}

	ut, err := template.New(name + "/user").Option("missingkey=error").Parse(user)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: user template: %w", name, err)
	}
	t.user = ut

	if strings.TrimSpace(system) != "" {
		st, err := template.New(name + "/system").Option("missingkey=error").Parse(system)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: system template: %w", name, err)
		}
		t.system = st
	}
	return t, nil
}

func (t *Template) Name() string { return t.name }

// Render produces the message list for one record.
func (t *Template) Render(bindings map[string]any) ([]Message, error) {
	msgs := make([]Message, 0, 2)

	if t.system != nil {
		content, err := render(t.system, bindings)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: system: %w", t.name, err)
		}
		msgs = append(msgs, Message{Role: RoleSystem, Content: content})
	}

	content, err := render(t.user, bindings)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: user: %w", t.name, err)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: content})
	return msgs, nil
}

func render(t *template.Template, bindings map[string]any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, bindings); err != nil {
		return "", err
	}
	return sb.String(), nil
}
