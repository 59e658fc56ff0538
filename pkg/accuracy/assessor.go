// Package accuracy classifies position samples into quality tiers
package accuracy

// Quality is the coarse quality tier of a position sample
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Indicator is the UI-facing confidence indicator
type Indicator string

const (
	IndicatorHigh   Indicator = "high"
	IndicatorMedium Indicator = "medium"
	IndicatorLow    Indicator = "low"
)

// Assessment is the full classification of one accuracy reading
type Assessment struct {
	Quality         Quality   `json:"quality"`
	IsUsable        bool      `json:"is_usable"`
	ConfidenceLevel int       `json:"confidence_level"`
	Indicator       Indicator `json:"indicator"`
	Recommendation  string    `json:"recommendation"`
}

// Assess classifies an accuracy radius in meters. First matching band wins.
// Callers are responsible for rejecting NaN or negative input before calling.
func Assess(accuracyM float64) Assessment {
	switch {
	case accuracyM <= 10:
		return Assessment{
			Quality:         QualityExcellent,
			IsUsable:        true,
			ConfidenceLevel: 95,
			Indicator:       IndicatorHigh,
			Recommendation:  "precise fix, suitable for turn-by-turn use",
		}
	case accuracyM <= 50:
		return Assessment{
			Quality:         QualityGood,
			IsUsable:        true,
			ConfidenceLevel: 85,
			Indicator:       IndicatorHigh,
			Recommendation:  "good fix, suitable for nearby search",
		}
	case accuracyM <= 100:
		return Assessment{
			Quality:         QualityFair,
			IsUsable:        true,
			ConfidenceLevel: 70,
			Indicator:       IndicatorMedium,
			Recommendation:  "fair fix, results may be off by a block",
		}
	case accuracyM <= 500:
		return Assessment{
			Quality:         QualityPoor,
			IsUsable:        true,
			ConfidenceLevel: 50,
			Indicator:       IndicatorLow,
			Recommendation:  "coarse fix, consider widening the search radius",
		}
	case accuracyM <= 1000:
		return Assessment{
			Quality:         QualityPoor,
			IsUsable:        true,
			ConfidenceLevel: 25,
			Indicator:       IndicatorLow,
			Recommendation:  "very coarse fix, neighborhood-level only",
		}
	default:
		return Assessment{
			Quality:         QualityPoor,
			IsUsable:        false,
			ConfidenceLevel: 25,
			Indicator:       IndicatorLow,
			Recommendation:  "fix too coarse to use, retry or enter location manually",
		}
	}
}
