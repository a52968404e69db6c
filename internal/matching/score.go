package matching

import (
	"math"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/geo"
)

// Scoring weights. These are policy numbers, not derived ones.
const (
	baseScore             = 0.5
	genderMatchBonus      = 0.2
	genderMismatchPenalty = 0.3
	ageMatchBonus         = 0.15
	sameCountryBonus      = 0.1
	sameCityBonus         = 0.15
)

// distanceTiers are checked in order; the first tier the distance falls
// under wins.
var distanceTiers = []struct {
	underKM float64
	bonus   float64
}{
	{10, 0.2},
	{50, 0.1},
	{200, 0.05},
}

// Score returns a deterministic compatibility score in [0,1] for pairing a
// with b. Each side's preferences contribute independently; geographic,
// country and city bonuses are shared.
func Score(a, b Profile) float64 {
	score := baseScore
	score += preferenceScore(a, b)
	score += preferenceScore(b, a)

	if km, ok := geo.Between(a.Location, b.Location); ok {
		score += distanceBonus(km)
	}
	if sameField(a.Country, b.Country) {
		score += sameCountryBonus
	}
	if sameField(a.City, b.City) {
		score += sameCityBonus
	}

	return math.Max(0, math.Min(1, score))
}

// preferenceScore is from's contribution: how well to satisfies from's
// stated preferences.
func preferenceScore(from, to Profile) float64 {
	var s float64
	if pref := from.Preferences.Gender; hasPreference(pref) {
		if sameField(pref, to.Gender) {
			s += genderMatchBonus
		} else {
			s -= genderMismatchPenalty
		}
	}
	if pref := from.Preferences.AgeBracket; hasPreference(pref) && sameField(pref, to.AgeBracket) {
		s += ageMatchBonus
	}
	return s
}

func distanceBonus(km float64) float64 {
	for _, tier := range distanceTiers {
		if km < tier.underKM {
			return tier.bonus
		}
	}
	return 0
}

// Ineligibility reasons returned by Eligible.
const (
	ReasonSelf           = "self"
	ReasonGender         = "gender_preference"
	ReasonNoLocation     = "missing_location"
	ReasonTooFar         = "too_far"
	ReasonCategoryDiffer = "category_mismatch"
)

// Eligible is the hard gate applied before scoring. A gender preference
// mismatch in either direction disqualifies; in the nearby category both
// parties need a location and must be within the stricter of their
// maximum distances (defaultMaxKM when neither set one).
func Eligible(a, b Profile, defaultMaxKM float64) (bool, string) {
	if a.UserID == b.UserID {
		return false, ReasonSelf
	}
	if a.Category != b.Category {
		return false, ReasonCategoryDiffer
	}
	if pref := a.Preferences.Gender; hasPreference(pref) && !sameField(pref, b.Gender) {
		return false, ReasonGender
	}
	if pref := b.Preferences.Gender; hasPreference(pref) && !sameField(pref, a.Gender) {
		return false, ReasonGender
	}

	if a.Category == config.CategoryNearby {
		km, ok := geo.Between(a.Location, b.Location)
		if !ok {
			return false, ReasonNoLocation
		}
		if km > stricterLimit(a.Preferences.MaxDistanceKM, b.Preferences.MaxDistanceKM, defaultMaxKM) {
			return false, ReasonTooFar
		}
	}

	return true, ""
}

func stricterLimit(a, b, fallback float64) float64 {
	switch {
	case a > 0 && b > 0:
		return math.Min(a, b)
	case a > 0:
		return a
	case b > 0:
		return b
	default:
		return fallback
	}
}
