package overlay

import (
	"bytes"
	_ "embed"
	"errors"
	"html/template"
	"strings"

	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/goodtune/nudgeproxy/internal/usage"
)

//go:embed overlay.html.tmpl
var overlayTemplate string

var tmpl = template.Must(template.New("overlay.html.tmpl").Parse(overlayTemplate))

var errEmptyBank = errors.New("overlay: no variants for level")

type view struct {
	ID               string
	Annoyance        bool
	LevelClass       string
	Emoji            string
	Title            string
	Message          string
	Tip              string
	TipIcon          string
	Requests         int64
	RequestsLabel    string
	CO2              string
	CO2Label         string
	Third            string
	ThirdLabel       string
	Primary          string
	Secondary        string
	SecondaryControl string
	Countdown        int
}

func render(id string, e usage.Event, v Variant, countdown int) (string, error) {
	data := view{
		ID:       id,
		Title:    v.Title,
		Message:  v.Message,
		Tip:      v.Tip,
		Requests: e.Requests,
		CO2:      Grams(e.CO2),
	}

	if e.Level.IsAnnoyance() {
		data.Annoyance = true
		data.Emoji = "🚨"
		data.TipIcon = "💀"
		data.RequestsLabel = "Excessive Requests"
		data.CO2Label = "CO2 Wasted"
		data.Third = Dependency(e.Requests)
		data.ThirdLabel = "AI Dependency"
		data.Primary = "I'm Sorry, I'll Do Better"
		data.Secondary = "Make It Stop"
		data.SecondaryControl = ControlSecondary
		data.Countdown = countdown
	} else {
		data.LevelClass = strings.ReplaceAll(e.Level.String(), ".", "-")
		data.TipIcon = "💡"
		data.RequestsLabel = "This Session"
		data.CO2Label = "CO2 Impact"
		data.Third = Equivalent(e.CO2)
		data.ThirdLabel = "Equivalent"
		data.Secondary = "See my stats"
		data.SecondaryControl = ControlStats
		switch {
		case e.Level <= escalation.LevelMindful:
			data.Emoji = "🧠💡"
			data.Primary = "Got it, I'll be mindful"
		case e.Level <= escalation.LevelConcerned:
			data.Emoji = "🌍💭"
			data.Primary = "Fair point, taking a break"
		default:
			data.Emoji = "🎯✨"
			data.Primary = "You're right, I'll reflect on this"
		}
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "overlay", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func templateData(e usage.Event) TemplateData {
	return TemplateData{
		Requests: e.Requests,
		CO2:      Grams(e.CO2),
		Drive:    DriveMetres(e.CO2),
	}
}
