package model

// ScoreStats are aggregate score means over a window of runs, used by
// correction-cycle validation to compare before/after system behavior.
type ScoreStats struct {
	Runs            int     `json:"runs"`
	MeanAutonomy    float64 `json:"mean_autonomy"`
	MeanRisk        float64 `json:"mean_risk"`
	MeanUncertainty float64 `json:"mean_uncertainty"`
}
