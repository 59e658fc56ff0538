package frequency

import (
	"math"

	"github.com/sajari/regression"
)

// minPredictPoints is how many speed observations the trend model needs
const minPredictPoints = 5

// SpeedPredictor fits a linear trend over recent speeds so the controller
// can promote the cadence before a faster pattern is fully established.
type SpeedPredictor struct{}

func NewSpeedPredictor() *SpeedPredictor {
	return &SpeedPredictor{}
}

// PredictNext extrapolates the speed one observation ahead. The second
// return is false when there is not enough history or the fit is degenerate.
func (sp *SpeedPredictor) PredictNext(history []trackPoint, speeds []float64) (float64, bool) {
	if len(speeds) < minPredictPoints || len(history) < 2 {
		return 0, false
	}

	origin := history[0].at
	var r regression.Regression
	r.SetObserved("speed_mps")
	r.SetVar(0, "elapsed_s")

	// speeds[i] is the segment ending at history[i+1]
	for i, speed := range speeds {
		idx := i + 1
		if idx >= len(history) {
			break
		}
		elapsed := history[idx].at.Sub(origin).Seconds()
		r.Train(regression.DataPoint(speed, []float64{elapsed}))
	}

	if err := r.Run(); err != nil {
		return 0, false
	}

	last := history[len(history)-1].at
	step := last.Sub(history[len(history)-2].at).Seconds()
	if step <= 0 {
		step = 1
	}
	next := last.Sub(origin).Seconds() + step

	predicted, err := r.Predict([]float64{next})
	if err != nil || math.IsNaN(predicted) || math.IsInf(predicted, 0) {
		return 0, false
	}
	if predicted < 0 {
		predicted = 0
	}
	if predicted >= speedNoiseLimitMPS {
		return 0, false
	}
	return predicted, true
}
