package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"autogeoref/internal/app"
	"autogeoref/internal/export"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/project"
	"autogeoref/internal/render"
)

// optimizeOutput is the main report layout.
type optimizeOutput struct {
	Best   params.ParameterSet `json:"best"`
	Report *optimizer.Report   `json:"report"`
}

type optimizeFlags struct {
	pairsFile   string
	grid        string
	projectPath string

	alpha             float64
	cvMode            string
	nSplits           int
	testSize          float64
	seed              int64
	nJobs             int
	successiveHalving bool
	halvingEta        int
	minInliers        float64
	warmupPairs       int
	timeLimitS        float64
	patienceBadFolds  float64

	outJSON   string
	outHJSON  string
	outPNG    string
	drawMax   int
	noHistory bool
}

func newOptimizeCmd(root *Root) *cobra.Command {
	var fl optimizeFlags

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search detector and matcher settings over a list of image pairs",
		Long: `Evaluate every parameter set of the grid on the pairs file and pick the one with
the lowest mean cost, using holdout or k-fold cross-validation with optional
successive halving and early exits.

Examples:
  autogeoref optimize --pairs pairs.txt --out-json best.json
  autogeoref optimize --pairs pairs.txt --out-json best.json --cv-mode kfold --n-splits 5
  autogeoref optimize --pairs pairs.txt --out-json best.json --grid @grid.json \
      --successive-halving --min-inliers 15 --out-hjson homogs.json --out-png first.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runOptimize(cmd, &fl)
		},
	}

	def := optimizer.DefaultOptions()
	f := cmd.Flags()
	f.StringVar(&fl.pairsFile, "pairs", "", "pairs file, one 'img1;img2' or 'img1,img2' per line")
	f.StringVar(&fl.grid, "grid", "", "parameter grid as JSON or @file (default: config grid)")
	f.StringVar(&fl.projectPath, "project", "", "project file to read pairs from and store the result in")
	f.Float64Var(&fl.alpha, "alpha", def.Alpha, "RMSE weight in the cost")
	f.StringVar(&fl.cvMode, "cv-mode", string(def.Mode), "cross-validation mode (holdout|kfold)")
	f.IntVar(&fl.nSplits, "n-splits", def.NSplits, "folds for k-fold")
	f.Float64Var(&fl.testSize, "test-size", def.TestSize, "test fraction for holdout")
	f.Int64Var(&fl.seed, "seed", def.Seed, "shuffle seed")
	f.IntVar(&fl.nJobs, "n-jobs", def.Workers, "parallel evaluations, <= 0 for all CPUs")
	f.BoolVar(&fl.successiveHalving, "successive-halving", false, "enable successive halving (holdout)")
	f.IntVar(&fl.halvingEta, "halving-eta", def.HalvingEta, "successive halving reduction factor (>= 2)")
	f.Float64Var(&fl.minInliers, "min-inliers", 0, "abort a candidate whose mean inliers drop below this after warmup")
	f.IntVar(&fl.warmupPairs, "warmup-pairs", def.WarmupPairs, "pairs evaluated before --min-inliers applies")
	f.Float64Var(&fl.timeLimitS, "time-limit-s", 0, "time budget per candidate and subset in seconds")
	f.Float64Var(&fl.patienceBadFolds, "patience-bad-folds", 0, "k-fold: stop a candidate whose running cost exceeds factor x best")
	f.StringVar(&fl.outJSON, "out-json", "", "main report path")
	f.StringVar(&fl.outHJSON, "out-hjson", "", "per-pair homographies of the winner")
	f.StringVar(&fl.outPNG, "out-png", "", "match diagram of the first pair with the winner")
	f.IntVar(&fl.drawMax, "draw-max", 60, "maximum matches drawn in --out-png")
	f.BoolVar(&fl.noHistory, "no-history", false, "do not record the run in the history database")
	return cmd
}

// options starts from the config and applies the flags that were set.
func (fl *optimizeFlags) options(cmd *cobra.Command, base optimizer.Options) (optimizer.Options, error) {
	o := base
	f := cmd.Flags()
	if f.Changed("alpha") {
		o.Alpha = fl.alpha
	}
	if f.Changed("cv-mode") {
		mode, err := optimizer.ParseMode(fl.cvMode)
		if err != nil {
			return o, err
		}
		o.Mode = mode
	}
	if f.Changed("n-splits") {
		o.NSplits = fl.nSplits
	}
	if f.Changed("test-size") {
		o.TestSize = fl.testSize
	}
	if f.Changed("seed") {
		o.Seed = fl.seed
	}
	if f.Changed("n-jobs") {
		o.Workers = fl.nJobs
		if o.Workers <= 0 {
			o.Workers = runtime.NumCPU()
		}
	}
	if f.Changed("successive-halving") {
		o.SuccessiveHalving = fl.successiveHalving
	}
	if f.Changed("halving-eta") {
		o.HalvingEta = fl.halvingEta
	}
	if f.Changed("min-inliers") {
		o.MinInliers = optimizer.Float(fl.minInliers)
	}
	if f.Changed("warmup-pairs") {
		o.WarmupPairs = fl.warmupPairs
	}
	if f.Changed("time-limit-s") {
		o.TimeLimit = time.Duration(fl.timeLimitS * float64(time.Second))
	}
	if f.Changed("patience-bad-folds") {
		o.PatienceBadFolds = optimizer.Float(fl.patienceBadFolds)
	}
	return o, o.Validate()
}

func (r *Root) runOptimize(cmd *cobra.Command, fl *optimizeFlags) error {
	ctx := cmd.Context()

	var proj *project.File
	if fl.projectPath != "" {
		var err error
		proj, err = project.Load(fl.projectPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			name := strings.TrimSuffix(filepath.Base(fl.projectPath), filepath.Ext(fl.projectPath))
			proj = project.New(name, r.cfg.Optimizer.Alpha)
		case err != nil:
			return err
		}
		if fl.pairsFile == "" {
			fl.pairsFile = proj.GetPairsPath(fl.projectPath)
		} else {
			proj.SetPairs(fl.projectPath, fl.pairsFile)
		}
		if fl.outJSON == "" {
			fl.outJSON = proj.GetReportPath(fl.projectPath)
		}
	}
	if fl.pairsFile == "" {
		return errors.New("--pairs is required")
	}
	if fl.outJSON == "" {
		return errors.New("--out-json is required")
	}

	base, err := r.cfg.Optimizer.Options()
	if err != nil {
		return err
	}
	opts, err := fl.options(cmd, base)
	if err != nil {
		return err
	}

	grid := r.cfg.SearchGrid()
	if strings.TrimSpace(fl.grid) != "" {
		data, err := readInline(fl.grid)
		if err != nil {
			return fmt.Errorf("read grid: %w", err)
		}
		if grid, err = params.ParseGrid(data); err != nil {
			return err
		}
	}

	ps, err := pairs.Load(fl.pairsFile)
	if err != nil {
		return err
	}
	r.log.Info("pairs loaded", "file", fl.pairsFile, "pairs", len(ps))

	store := r.openStore()
	if fl.noHistory {
		store = nil
	}
	defer store.Close()

	runner := app.NewRunner(store, r.eval, r.log)
	run, err := runner.Optimize(ctx, app.Request{
		Pairs:   ps,
		Source:  fl.pairsFile,
		Grid:    grid,
		Options: opts,
	})
	if err != nil {
		return err
	}
	best, rep, err := run.Result()
	if err != nil {
		return err
	}

	out := optimizeOutput{Best: best, Report: rep}
	if err := export.WriteJSON(fl.outJSON, out); err != nil {
		return err
	}
	r.log.Info("report written", "path", fl.outJSON, "best", best.Label())

	if fl.outHJSON != "" {
		if rec, err := export.ExportHomographies(ps, best, opts.Alpha, r.details); err != nil {
			r.log.Warn("could not export homographies", "path", fl.outHJSON, "error", err)
		} else if err := export.WriteJSON(fl.outHJSON, rec); err != nil {
			r.log.Warn("could not write homographies", "path", fl.outHJSON, "error", err)
		} else if proj != nil {
			proj.SetExport(fl.projectPath, fl.outHJSON)
		}
	}

	if fl.outPNG != "" {
		if err := r.writeMatchPNG(ps[0], best, opts.Alpha, fl.drawMax, fl.outPNG); err != nil {
			r.log.Warn("could not save match diagram", "path", fl.outPNG, "error", err)
		} else {
			r.log.Info("match diagram saved", "path", fl.outPNG)
		}
	}

	if proj != nil {
		proj.SetReport(fl.projectPath, fl.outJSON)
		proj.SetResult(best, opts.Alpha, rep.BestCost(), run.ID)
		if err := proj.Save(fl.projectPath); err != nil {
			return fmt.Errorf("save project: %w", err)
		}
	}

	return r.printJSON(out, false)
}

func (r *Root) writeMatchPNG(pair pairs.Pair, p params.ParameterSet, alpha float64, maxDraw int, path string) error {
	opts := render.DefaultOptions()
	opts.MaxDraw = maxDraw
	opts.Annotate = r.cfg.Render.Annotate
	out, err := render.RenderMatches(pair.Img1, pair.Img2, p, alpha, opts)
	if err != nil {
		return err
	}
	defer out.Close()
	return render.WritePNG(path, out.Mat)
}
