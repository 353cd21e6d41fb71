package overlay

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/rs/zerolog"
)

// Frame types sent to a page.
const (
	FrameShow      = "show"
	FrameFade      = "fade"
	FrameRemove    = "remove"
	FrameShake     = "shake"
	FrameButton    = "button"
	FrameCountdown = "countdown"
)

// Overlay controls.
const (
	ControlPrimary   = "primary"
	ControlSecondary = "secondary"
	ControlStats     = "stats"
)

var dodgeLabels = []string{
	"Nice try! 😏",
	"Almost got me!",
	"Okay fine, last time...",
}

const settledLabel = "Fine, Click Me Already"

// Frame is a visual instruction for the page agent.
type Frame struct {
	Type      string  `json:"type"`
	Overlay   string  `json:"overlay"`
	HTML      string  `json:"html,omitempty"`
	Angle     float64 `json:"angle"`
	DX        float64 `json:"dx"`
	DY        float64 `json:"dy"`
	Label     string  `json:"label,omitempty"`
	Remaining int     `json:"remaining"`
	FadeMS    int64   `json:"fadeMs,omitempty"`
}

// Sink delivers frames to a page. Send must not block.
type Sink interface {
	Send(Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame)

// Send calls f.
func (f SinkFunc) Send(fr Frame) { f(fr) }

// Rect is a client rectangle reported by the page.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pointer is a pointer position together with the primary button's rect.
type Pointer struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button Rect    `json:"rect"`
}

// Config holds overlay timing and annoyance parameters.
type Config struct {
	DisplayTimeout   time.Duration
	AnnoyanceTimeout time.Duration
	FadeDuration     time.Duration
	ShakeInterval    time.Duration
	ShakeStep        float64
	ShakeLimit       float64
	DodgeAttempts    int
	DodgeRadius      float64
	DodgeDistance    float64
}

// DefaultConfig returns the standard overlay behaviour.
func DefaultConfig() Config {
	return Config{
		DisplayTimeout:   10 * time.Second,
		AnnoyanceTimeout: 15 * time.Second,
		FadeDuration:     500 * time.Millisecond,
		ShakeInterval:    50 * time.Millisecond,
		ShakeStep:        0.2,
		ShakeLimit:       30,
		DodgeAttempts:    3,
		DodgeRadius:      100,
		DodgeDistance:    150,
	}
}

// ConfigFrom converts the overlay configuration section.
func ConfigFrom(c config.OverlayConfig) Config {
	d := DefaultConfig()
	return Config{
		DisplayTimeout:   config.Duration(c.DisplayTimeout, d.DisplayTimeout),
		AnnoyanceTimeout: config.Duration(c.AnnoyanceTimeout, d.AnnoyanceTimeout),
		FadeDuration:     config.Duration(c.FadeDuration, d.FadeDuration),
		ShakeInterval:    config.Duration(c.ShakeInterval, d.ShakeInterval),
		ShakeStep:        c.ShakeStep,
		ShakeLimit:       c.ShakeLimit,
		DodgeAttempts:    c.DodgeAttempts,
		DodgeRadius:      c.DodgeRadius,
		DodgeDistance:    c.DodgeDistance,
	}
}

// State is the controller state.
type State int

const (
	StateIdle State = iota
	StateShowing
)

type active struct {
	id        string
	annoyance bool
	auto      Timer
	fade      Timer
	shake     Timer
	countdown Timer
	shakeStep float64
	remaining int
	dodges    int
	settled   bool
}

// Controller drives the overlay of one page. At most one overlay is shown;
// a new one replaces whatever is on screen.
type Controller struct {
	config    Config
	bank      Bank
	picker    Picker
	scheduler Scheduler
	sink      Sink
	logger    zerolog.Logger
	prefix    string
	seq       uint64
	current   *active
	mu        sync.Mutex
}

// NewController creates a controller sending frames to sink.
func NewController(cfg Config, bank Bank, picker Picker, scheduler Scheduler, sink Sink, logger zerolog.Logger) *Controller {
	if picker == nil {
		picker = RandomPicker
	}
	if scheduler == nil {
		scheduler = RealScheduler{}
	}
	return &Controller{
		config:    cfg,
		bank:      bank,
		picker:    picker,
		scheduler: scheduler,
		sink:      sink,
		logger:    logger.With().Str("component", "overlay").Logger(),
		prefix:    "nudge-overlay",
	}
}

// State returns whether an overlay is showing.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StateIdle
	}
	return StateShowing
}

// Show renders an overlay for e, replacing any overlay already showing.
func (c *Controller) Show(e usage.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.close(c.current, "replaced")
	}

	variant, err := c.bank.Pick(e.Level, c.picker, templateData(e))
	if err != nil {
		return fmt.Errorf("failed to pick overlay copy: %w", err)
	}

	timeout := c.config.DisplayTimeout
	annoyance := e.Level.IsAnnoyance()
	if annoyance {
		timeout = c.config.AnnoyanceTimeout
	}

	c.seq++
	a := &active{
		id:        fmt.Sprintf("%s-%d", c.prefix, c.seq),
		annoyance: annoyance,
		remaining: int(timeout / time.Second),
	}

	html, err := render(a.id, e, variant, a.remaining)
	if err != nil {
		return fmt.Errorf("failed to render overlay: %w", err)
	}

	c.current = a
	c.sink.Send(Frame{Type: FrameShow, Overlay: a.id, HTML: html})

	id := a.id
	a.auto = c.scheduler.AfterFunc(timeout, func() { c.fadeOut(id) })
	if annoyance {
		a.shake = c.scheduler.AfterFunc(c.config.ShakeInterval, func() { c.shakeTick(id) })
		a.countdown = c.scheduler.AfterFunc(time.Second, func() { c.countdownTick(id) })
	}

	variantLabel := "level-" + e.Level.String()
	if annoyance {
		variantLabel = "annoyance"
	}
	metrics.OverlaysShownTotal.WithLabelValues(variantLabel).Inc()

	c.logger.Debug().
		Str("overlay", a.id).
		Str("level", e.Level.String()).
		Str("title", variant.Title).
		Dur("timeout", timeout).
		Msg("Overlay shown")

	return nil
}

// Dismiss removes the overlay in response to a control. Every control
// dismisses immediately; dodging only moves the primary button.
func (c *Controller) Dismiss(control string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return false
	}
	c.close(c.current, control)
	return true
}

// Pointer handles a pointer move on an annoyance overlay. The primary button
// moves away from a nearby pointer a bounded number of times, then settles.
func (c *Controller) Pointer(p Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.current
	if a == nil || !a.annoyance || a.settled {
		return
	}

	if a.dodges >= c.config.DodgeAttempts {
		a.settled = true
		c.sink.Send(Frame{Type: FrameButton, Overlay: a.id, Label: settledLabel})
		return
	}

	centerX := p.Button.Left + p.Button.Width/2
	centerY := p.Button.Top + p.Button.Height/2
	deltaX := centerX - p.X
	deltaY := centerY - p.Y
	distance := math.Hypot(deltaX, deltaY)
	if distance >= c.config.DodgeRadius {
		return
	}

	a.dodges++
	moveX, moveY := 0.0, -c.config.DodgeDistance
	if distance > 0 {
		moveX = deltaX / distance * c.config.DodgeDistance
		moveY = deltaY / distance * c.config.DodgeDistance
	}
	label := dodgeLabels[min(a.dodges, len(dodgeLabels))-1]
	c.sink.Send(Frame{Type: FrameButton, Overlay: a.id, DX: moveX, DY: moveY, Label: label})
}

func (c *Controller) fadeOut(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.lookup(id)
	if a == nil {
		return
	}
	stopTimer(a.shake)
	stopTimer(a.countdown)
	c.sink.Send(Frame{Type: FrameFade, Overlay: id, FadeMS: c.config.FadeDuration.Milliseconds()})
	a.fade = c.scheduler.AfterFunc(c.config.FadeDuration, func() { c.expire(id) })
}

func (c *Controller) expire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a := c.lookup(id); a != nil {
		c.close(a, "timeout")
	}
}

func (c *Controller) shakeTick(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.lookup(id)
	if a == nil {
		return
	}
	c.sink.Send(Frame{Type: FrameShake, Overlay: id, Angle: math.Sin(a.shakeStep) * 2})
	a.shakeStep += c.config.ShakeStep
	if a.shakeStep > c.config.ShakeLimit {
		a.shake = nil
		c.sink.Send(Frame{Type: FrameShake, Overlay: id, Angle: 0})
		return
	}
	a.shake = c.scheduler.AfterFunc(c.config.ShakeInterval, func() { c.shakeTick(id) })
}

func (c *Controller) countdownTick(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.lookup(id)
	if a == nil {
		return
	}
	a.remaining--
	c.sink.Send(Frame{Type: FrameCountdown, Overlay: id, Remaining: a.remaining})
	if a.remaining <= 0 {
		a.countdown = nil
		return
	}
	a.countdown = c.scheduler.AfterFunc(time.Second, func() { c.countdownTick(id) })
}

// lookup returns the active overlay if it is still id. Caller must hold the lock.
func (c *Controller) lookup(id string) *active {
	if c.current == nil || c.current.id != id {
		return nil
	}
	return c.current
}

// close cancels every timer of a and removes it. Caller must hold the lock.
func (c *Controller) close(a *active, reason string) {
	stopTimer(a.auto)
	stopTimer(a.fade)
	stopTimer(a.shake)
	stopTimer(a.countdown)
	c.sink.Send(Frame{Type: FrameRemove, Overlay: a.id})
	if c.current == a {
		c.current = nil
	}
	metrics.OverlaysDismissedTotal.WithLabelValues(reason).Inc()
	c.logger.Debug().Str("overlay", a.id).Str("reason", reason).Msg("Overlay removed")
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
