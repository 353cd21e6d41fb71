package proxy

import (
	"bytes"
	"mime"
	"strings"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/observer"
)

// maxModifyBytes caps the response bodies that are buffered for injection.
const maxModifyBytes = 8 << 20

var closingBody = []byte("</body>")

// Modifier injects the page agent tag into HTML responses.
type Modifier struct {
	enabled       bool
	disabledHosts map[string]bool
	contentTypes  []string
	tag           []byte
}

// NewModifier creates a response modifier that injects tag.
func NewModifier(cfg config.ResponseConfig, tag string) *Modifier {
	m := &Modifier{
		enabled:       cfg.Enabled,
		disabledHosts: make(map[string]bool, len(cfg.DisabledHosts)),
		tag:           []byte(tag),
	}
	for _, h := range cfg.DisabledHosts {
		m.disabledHosts[observer.NormalizeHost(h)] = true
	}
	for _, ct := range cfg.AllowedContentTypes {
		m.contentTypes = append(m.contentTypes, strings.ToLower(strings.TrimSpace(ct)))
	}
	if len(m.contentTypes) == 0 {
		m.contentTypes = []string{"text/html"}
	}
	return m
}

// Enabled reports whether responses from host may be modified at all.
func (m *Modifier) Enabled(host string) bool {
	if m == nil || !m.enabled || len(m.tag) == 0 {
		return false
	}
	return !m.disabledHosts[observer.NormalizeHost(host)]
}

// ShouldModify reports whether a response from host with the given
// Content-Type header gets the agent tag.
func (m *Modifier) ShouldModify(host, contentType string) bool {
	if !m.Enabled(host) {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, allowed := range m.contentTypes {
		if mediaType == allowed {
			return true
		}
	}
	return false
}

// Inject inserts the agent tag before the last closing body tag. Bodies
// without one, or that already carry the tag, are returned unchanged.
func (m *Modifier) Inject(body []byte) ([]byte, bool) {
	if bytes.Contains(body, m.tag) {
		return body, false
	}
	idx := lastIndexFold(body, closingBody)
	if idx < 0 {
		return body, false
	}

	out := make([]byte, 0, len(body)+len(m.tag))
	out = append(out, body[:idx]...)
	out = append(out, m.tag...)
	out = append(out, body[idx:]...)
	return out, true
}

func lastIndexFold(s, sep []byte) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if bytes.EqualFold(s[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}
