package overlay

import (
	"bytes"
	"math/rand/v2"
	"text/template"

	"github.com/goodtune/nudgeproxy/internal/escalation"
)

// Picker selects a variant index in [0, n).
type Picker interface {
	IntN(n int) int
}

type randomPicker struct{}

func (randomPicker) IntN(n int) int { return rand.IntN(n) }

// RandomPicker picks variants uniformly at random.
var RandomPicker Picker = randomPicker{}

// Variant is one piece of overlay copy. Message is a text/template executed
// with a TemplateData value.
type Variant struct {
	Title   string
	Message string
	Tip     string
}

// TemplateData is the data available to a variant message.
type TemplateData struct {
	Requests int64
	CO2      string // grams, one decimal place
	Drive    string // metres of driving, no decimals
}

// Bank holds the overlay copy for each level and the annoyance variant.
type Bank struct {
	Mindful   []Variant
	Concerned []Variant
	Critical  []Variant
	Annoyance []Variant
}

// DefaultBank returns the built-in copy.
func DefaultBank() Bank {
	return Bank{
		Mindful: []Variant{
			{
				Title:   "Quick mindfulness check ✨",
				Message: "You've used AI {{.Requests}} times recently. That's about {{.CO2}}g of CO2 — roughly the same as charging your phone a couple times.",
				Tip:     "Consider: Could you solve some of these yourself? Your brain is pretty amazing when you give it a chance.",
			},
			{
				Title:   "Friendly heads up 🌱",
				Message: "AI use limit reached. Please touch grass — for environmental reasons.",
				Tip:     "Every extra prompt adds one more sigh from the atmosphere.",
			},
		},
		Concerned: []Variant{
			{
				Title:   "Friendly reminder 🌱",
				Message: "{{.Requests}} AI requests add up to {{.CO2}}g of CO2. For context, that's like driving about {{.Drive}} meters in a car.",
				Tip:     "You know you have a better brain than this, right? Dust it off and consider using it for once.",
			},
			{
				Title:   "Warning detected ⚠️",
				Message: "This AI request has been paused to let the Earth breathe. Literally.",
				Tip:     "Too many prompts, not enough trees.",
			},
			{
				Title:   "Environmental alert 🌍",
				Message: "You asked too many smart questions. Now a tree has to pay the price.",
				Tip:     "Your curiosity is impressive. Your carbon footprint? Even more so.",
			},
		},
		Critical: []Variant{
			{
				Title:   "Let's have a real talk 💬",
				Message: "{{.Requests}} requests = {{.CO2}}g of CO2. You're clearly working hard, but maybe it's time to balance AI with your own thinking?",
				Tip:     "The most creative solutions often come from the struggle. AI is a tool, not a replacement for your judgment.",
			},
			{
				Title:   "Congratulations! 🎉",
				Message: "You've reached the AI usage limit. The planet would like a word.",
				Tip:     "AI: Making life easier since forever. Making pollution worse since now.",
			},
			{
				Title:   "Server status update 🔴",
				Message: "Warning: Excessive intelligence detected. Carbon footprint crying in the corner.",
				Tip:     "This conversation is eco-unfriendly. Please recycle your thoughts.",
			},
		},
		Annoyance: []Variant{
			{
				Title:   "SERVER OVERHEATED. EARTH OFFENDED.",
				Message: "{{.Requests}} AI requests. Try again tomorrow.",
				Tip:     "Saving time with AI, wasting the planet efficiently.",
			},
			{
				Title:   "⚠️ EXCESSIVE INTELLIGENCE DETECTED",
				Message: "Warning: Excessive intelligence detected. Carbon footprint crying in the corner.",
				Tip:     "Your curiosity is impressive. Your carbon footprint? Even more so.",
			},
			{
				Title:   "ENVIRONMENTAL VIOLATION",
				Message: "You asked too many smart questions. Now a tree has to pay the price.",
				Tip:     "AI didn't break — the ozone layer did.",
			},
			{
				Title:   "ECO-UNFRIENDLY ACTIVITY DETECTED",
				Message: "This conversation is eco-unfriendly. Please recycle your thoughts.",
				Tip:     "Every extra prompt adds one more sigh from the atmosphere.",
			},
			{
				Title:   "ERROR 404: SUSTAINABLE AI NOT FOUND",
				Message: "AI: Making life easier since forever. Making pollution worse since now.",
				Tip:     "Smart tech, dumb consequences.",
			},
		},
	}
}

// Variants returns the copy for level. The annoyance rung has its own bank;
// any level above 2 other than 2.5 uses the critical bank.
func (b Bank) Variants(level escalation.Level) []Variant {
	switch {
	case level.IsAnnoyance():
		return b.Annoyance
	case level <= escalation.LevelMindful:
		return b.Mindful
	case level <= escalation.LevelConcerned:
		return b.Concerned
	default:
		return b.Critical
	}
}

// Pick chooses a variant for level with p and renders its message.
func (b Bank) Pick(level escalation.Level, p Picker, data TemplateData) (Variant, error) {
	variants := b.Variants(level)
	if len(variants) == 0 {
		return Variant{}, errEmptyBank
	}
	v := variants[p.IntN(len(variants))]

	tmpl, err := template.New("message").Parse(v.Message)
	if err != nil {
		return Variant{}, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Variant{}, err
	}
	v.Message = buf.String()
	return v, nil
}
