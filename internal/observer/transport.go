package observer

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Transport wraps an http.RoundTripper and reports requests whose URL carries
// a page-layer marker. The wrapped round trip always runs first and its
// result is returned unchanged. Classification never fails the call.
type Transport struct {
	Base    http.RoundTripper
	Monitor *Monitor
	Report  func(Detection)
	Logger  zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	t.observe(req)
	return resp, err
}

func (t *Transport) observe(req *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			t.Logger.Debug().Interface("panic", r).Msg("Request classification failed")
		}
	}()

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	detection, ok := t.Monitor.ClassifyURL(req.URL.String(), now())
	if !ok || t.Report == nil {
		return
	}
	t.Report(detection)
}
