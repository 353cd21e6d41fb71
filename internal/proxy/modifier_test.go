package proxy

import (
	"testing"

	"github.com/goodtune/nudgeproxy/internal/config"
)

const testTag = `<script src="/__nudge/agent.js" async></script>`

func TestModifierShouldModify(t *testing.T) {
	m := NewModifier(config.ResponseConfig{
		Enabled:             true,
		DisabledHosts:       []string{"Gemini.Google.com"},
		AllowedContentTypes: []string{"text/html"},
	}, testTag)

	tests := []struct {
		name        string
		host        string
		contentType string
		want        bool
	}{
		{"html", "claude.ai", "text/html; charset=utf-8", true},
		{"upper case type", "claude.ai", "TEXT/HTML", true},
		{"json", "claude.ai", "application/json", false},
		{"disabled host", "gemini.google.com:443", "text/html", false},
		{"missing type", "claude.ai", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.ShouldModify(tt.host, tt.contentType); got != tt.want {
				t.Errorf("ShouldModify(%q, %q) = %v, want %v", tt.host, tt.contentType, got, tt.want)
			}
		})
	}

	off := NewModifier(config.ResponseConfig{Enabled: false}, testTag)
	if off.ShouldModify("claude.ai", "text/html") {
		t.Error("disabled modifier should never modify")
	}
}

func TestModifierInject(t *testing.T) {
	m := NewModifier(config.ResponseConfig{Enabled: true}, testTag)

	tests := []struct {
		name    string
		body    string
		want    string
		changed bool
	}{
		{
			name:    "before closing body",
			body:    "<html><body><p>hi</p></body></html>",
			want:    "<html><body><p>hi</p>" + testTag + "</body></html>",
			changed: true,
		},
		{
			name:    "upper case tag",
			body:    "<HTML><BODY>x</BODY></HTML>",
			want:    "<HTML><BODY>x" + testTag + "</BODY></HTML>",
			changed: true,
		},
		{
			name:    "last closing body wins",
			body:    "<body><pre>&lt;/body&gt;</body></body>",
			want:    "<body><pre>&lt;/body&gt;</body>" + testTag + "</body>",
			changed: true,
		},
		{
			name: "no body tag",
			body: "<div>fragment</div>",
			want: "<div>fragment</div>",
		},
		{
			name: "already injected",
			body: "<body>" + testTag + "</body>",
			want: "<body>" + testTag + "</body>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := m.Inject([]byte(tt.body))
			if string(got) != tt.want {
				t.Errorf("Inject() = %q, want %q", got, tt.want)
			}
			if changed != tt.changed {
				t.Errorf("changed = %v, want %v", changed, tt.changed)
			}
		})
	}
}
