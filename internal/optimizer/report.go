package optimizer

import (
	"bytes"
	"encoding/json"
	"math"
	"os"

	"autogeoref/internal/params"
)

// Score is a cost that encodes +Inf and NaN as JSON null.
type Score float64

func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// UnmarshalJSON reads null back as +Inf.
func (s *Score) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Score(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Score(f)
	return nil
}

func scorePtr(f float64) *Score {
	s := Score(f)
	return &s
}

// CandidateCost is a candidate's mean cost over a pair subset.
type CandidateCost struct {
	Params         params.ParameterSet `json:"params"`
	MeanCost       Score               `json:"mean_cost"`
	State          State               `json:"state"`
	PairsEvaluated int                 `json:"pairs_evaluated"`
}

// FoldScore is a candidate's k-fold result.
type FoldScore struct {
	Params         params.ParameterSet `json:"params"`
	ValMeanCost    Score               `json:"val_mean_cost"`
	ValStdCost     Score               `json:"val_std_cost"`
	FoldsEvaluated int                 `json:"folds_evaluated"`
}

// Rung is one successive-halving round.
type Rung struct {
	Rung   int             `json:"rung"`
	NPairs int             `json:"n_pairs"`
	Keep   int             `json:"keep"`
	Scores []CandidateCost `json:"scores"`
}

// Report describes a finished search. Fields that do not apply to the mode
// are omitted.
type Report struct {
	GridSize   int                 `json:"grid_size"`
	CVMode     string              `json:"cv_mode"`
	BestParams params.ParameterSet `json:"best_params"`

	NSplits int `json:"n_splits,omitempty"`
	NTrain  int `json:"n_train,omitempty"`
	NTest   int `json:"n_test,omitempty"`

	BestTrainCost  *Score `json:"best_train_cost,omitempty"`
	BestCVMeanCost *Score `json:"best_cv_mean_cost,omitempty"`
	TestMeanCost   *Score `json:"test_mean_cost,omitempty"`
	TestStdCost    *Score `json:"test_std_cost,omitempty"`

	TrainCosts []CandidateCost `json:"train_costs,omitempty"`
	Ranking    []FoldScore     `json:"ranking,omitempty"`
	Rungs      []Rung          `json:"rungs,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// WriteJSON writes the report indented to path.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadReport loads a report written by WriteJSON.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Event reports progress after a candidate has been scored on a subset.
type Event struct {
	Phase          string `json:"phase"`
	Step           int    `json:"step,omitempty"`
	Candidate      int    `json:"candidate"`
	Candidates     int    `json:"candidates"`
	Params         string `json:"params"`
	State          State  `json:"state"`
	PairsEvaluated int    `json:"pairs_evaluated"`
	Score          Score  `json:"score"`
}

const (
	PhaseTrain = "train"
	PhaseFold  = "fold"
	PhaseRung  = "rung"
	PhaseTest  = "test"
)

// BestCost returns the selection score of the winner: the mean CV cost in
// k-fold mode, the train cost otherwise. Nil if it was not finite.
func (r *Report) BestCost() *float64 {
	s := r.BestTrainCost
	if r.BestCVMeanCost != nil {
		s = r.BestCVMeanCost
	}
	if s == nil || math.IsInf(float64(*s), 0) || math.IsNaN(float64(*s)) {
		return nil
	}
	v := float64(*s)
	return &v
}
