package overlay

import (
	"github.com/shopspring/decimal"
)

var (
	chargeGrams    = decimal.NewFromInt(8)
	metresPerGram  = decimal.RequireFromString("8.3")
	lightbulbGrams = decimal.NewFromInt(100)
	gramsPerKilo   = decimal.NewFromInt(1000)
	dependencyBase = decimal.NewFromInt(30)
	hundred        = decimal.NewFromInt(100)

	ten        = decimal.NewFromInt(10)
	fifty      = decimal.NewFromInt(50)
	twoHundred = decimal.NewFromInt(200)
)

// Equivalent describes co2 grams in everyday terms for the overlay.
func Equivalent(co2 decimal.Decimal) string {
	switch {
	case co2.LessThan(ten):
		return co2.Div(chargeGrams).StringFixed(1) + " charges"
	case co2.LessThan(fifty):
		return DriveMetres(co2) + "m drive"
	case co2.LessThan(hundred):
		return co2.Div(lightbulbGrams).StringFixed(1) + "h lightbulb"
	default:
		return co2.Div(gramsPerKilo).StringFixed(2) + "kg total"
	}
}

// StatusEquivalent is the longer wording used by the status surface. Its
// lightbulb band extends to 200 g.
func StatusEquivalent(co2 decimal.Decimal) string {
	switch {
	case co2.LessThan(ten):
		return co2.Div(chargeGrams).StringFixed(1) + " phone charges"
	case co2.LessThan(fifty):
		return DriveMetres(co2) + "m car drive"
	case co2.LessThan(twoHundred):
		return co2.Div(lightbulbGrams).StringFixed(1) + "h lightbulb"
	default:
		return co2.Div(gramsPerKilo).StringFixed(2) + "kg emissions"
	}
}

// DriveMetres converts co2 grams to metres of driving.
func DriveMetres(co2 decimal.Decimal) string {
	return co2.Mul(metresPerGram).StringFixed(0)
}

// Dependency is the annoyance overlay's "AI Dependency" percentage.
func Dependency(requests int64) string {
	return decimal.NewFromInt(requests).Div(dependencyBase).Mul(hundred).StringFixed(0) + "%"
}

// Grams formats co2 with one decimal place.
func Grams(co2 decimal.Decimal) string {
	return co2.StringFixed(1)
}
