package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"autogeoref/internal/export"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/project"
	"autogeoref/internal/render"
	"autogeoref/internal/storage"
	"autogeoref/internal/watch"
)

func newMatchCmd(root *Root) *cobra.Command {
	var (
		pf      paramFlags
		alpha   float64
		details bool
		gcpPath string
		watchIt bool
	)

	cmd := &cobra.Command{
		Use:   "match <img1> <img2>",
		Short: "Match two images and fit a homography",
		Long: `Detect keypoints in both images, match them with the ratio test and fit a
homography with RANSAC. Prints the result as JSON.

Examples:
  autogeoref match scan.png basemap.png
  autogeoref match scan.png basemap.png --detector SIFT --matcher flann --details
  autogeoref match scan.png basemap.png --knob orb_nfeatures=4000 --gcp scan.points
  autogeoref match scan.png basemap.png --watch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.build(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("alpha") {
				alpha = root.cfg.Optimizer.Alpha
			}
			img1, img2 := args[0], args[1]

			store := root.openStore()
			defer store.Close()

			once := func() error {
				return root.matchOnce(store, img1, img2, p, alpha, details, gcpPath)
			}
			if err := once(); err != nil {
				return err
			}
			if !watchIt {
				return nil
			}
			return root.watchPair(cmd.Context(), img1, img2, once)
		},
	}
	pf.register(cmd)
	cmd.Flags().Float64Var(&alpha, "alpha", 0.1, "RMSE weight in the cost (default: config)")
	cmd.Flags().BoolVar(&details, "details", false, "include inlier coordinates")
	cmd.Flags().StringVar(&gcpPath, "gcp", "", "write inlier correspondences as a ground control points CSV")
	cmd.Flags().BoolVar(&watchIt, "watch", false, "re-evaluate when either image changes")
	return cmd
}

func (r *Root) matchOnce(store *storage.Store, img1, img2 string, p params.ParameterSet, alpha float64, details bool, gcpPath string) error {
	d, err := r.match(img1, img2, p, alpha)
	if err != nil {
		return err
	}
	r.log.Info("pair evaluated",
		"img1", img1,
		"img2", img2,
		"params", p.Label(),
		"found", d.Found(),
		"inliers", d.Inliers,
		"good_matches", d.GoodMatches,
		"cost", d.Cost)

	paramsJSON, _ := json.Marshal(p)
	if err := store.RecordEvaluation(storage.EvaluationRecord{
		Img1:        img1,
		Img2:        img2,
		ParamsJSON:  string(paramsJSON),
		Found:       d.Found(),
		Inliers:     d.Inliers,
		GoodMatches: d.GoodMatches,
		RMSE:        d.RMSE,
		Cost:        d.Cost,
	}); err != nil {
		r.log.Warn("record evaluation failed", "error", err)
	}

	if gcpPath != "" {
		pr := export.NewPairRecord(pairs.Pair{Img1: img1, Img2: img2}, p, alpha, d.ExportDetails())
		if err := writeGCP(gcpPath, pr); err != nil {
			return err
		}
		r.log.Info("control points written", "path", gcpPath, "points", len(pr.PointsSrc))
	}

	if details {
		return r.printJSON(d, true)
	}
	return r.printJSON(d.Summary, true)
}

func writeGCP(path string, pr export.PairRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteGCPPoints(f, pr); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// watchPair runs fn whenever either image changes, until ctx is done.
// Evaluation errors are logged so a half-written file does not end the
// session.
func (r *Root) watchPair(ctx context.Context, img1, img2 string, fn func() error) error {
	w, err := watch.New([]string{img1, img2}, r.cfg.Watch.Debounce(), r.log)
	if err != nil {
		return err
	}
	defer w.Close()

	r.log.Info("watching for changes", "img1", img1, "img2", img2)
	err = w.Run(ctx, func(changed []string) {
		if err := fn(); err != nil {
			r.log.Warn("re-evaluation failed", "changed", changed, "error", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRenderCmd(root *Root) *cobra.Command {
	var (
		pf         paramFlags
		alpha      float64
		out        string
		maxDraw    int
		noAnnotate bool
	)

	cmd := &cobra.Command{
		Use:   "render <img1> <img2>",
		Short: "Draw the matches of a pair side by side",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			p, err := pf.build(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("alpha") {
				alpha = root.cfg.Optimizer.Alpha
			}
			opts := render.DefaultOptions()
			opts.MaxDraw = root.cfg.Render.MaxDraw
			if cmd.Flags().Changed("max-draw") {
				opts.MaxDraw = maxDraw
			}
			opts.Annotate = root.cfg.Render.Annotate && !noAnnotate

			res, err := render.RenderMatches(args[0], args[1], p, alpha, opts)
			if err != nil {
				return err
			}
			defer res.Close()
			if err := render.WritePNG(out, res.Mat); err != nil {
				return err
			}
			root.log.Info("match diagram saved", "path", out, "lines", res.LinesDrawn)
			return root.printJSON(res.Detail.Summary, true)
		},
	}
	pf.register(cmd)
	cmd.Flags().Float64Var(&alpha, "alpha", 0.1, "RMSE weight in the cost (default: config)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG path")
	cmd.Flags().IntVar(&maxDraw, "max-draw", 60, "maximum matches drawn (default: config)")
	cmd.Flags().BoolVar(&noAnnotate, "no-annotate", false, "omit the summary panel")
	return cmd
}

func newExportCmd(root *Root) *cobra.Command {
	var (
		pairsFile   string
		paramsDoc   string
		projectPath string
		out         string
		alpha       float64
		gcpDir      string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write per-pair homographies and inliers for one parameter set",
		Long: `Evaluate every pair of the pairs file with one parameter set and write the
homography, RMSE and inlier coordinates of each pair to a JSON file.

--params accepts a flat parameter dictionary or the output of optimize.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				p     params.ParameterSet
				proj  *project.File
				a     = root.cfg.Optimizer.Alpha
				haveP bool
			)
			if projectPath != "" {
				var err error
				if proj, err = project.Load(projectPath); err != nil {
					return err
				}
				if pairsFile == "" {
					pairsFile = proj.GetPairsPath(projectPath)
				}
				if out == "" {
					out = proj.GetExportPath(projectPath)
				}
				if proj.BestParams != nil {
					p, haveP = *proj.BestParams, true
					a = proj.Alpha
				}
			}
			if paramsDoc != "" {
				m, err := parseParamsDoc(paramsDoc)
				if err != nil {
					return err
				}
				if v, ok := m[export.KeyAlphaRMSE].(float64); ok {
					a = v
				}
				delete(m, export.KeyAlphaRMSE)
				if p, err = params.FromMap(m); err != nil {
					return err
				}
				haveP = true
			}
			if cmd.Flags().Changed("alpha") {
				a = alpha
			}
			switch {
			case pairsFile == "":
				return errors.New("--pairs is required")
			case out == "":
				return errors.New("--out is required")
			case !haveP:
				return errors.New("--params is required")
			}

			ps, err := pairs.Load(pairsFile)
			if err != nil {
				return err
			}
			rec, err := export.ExportHomographies(ps, p, a, root.details)
			if err != nil {
				return err
			}
			if err := export.WriteJSON(out, rec); err != nil {
				return err
			}
			root.log.Info("homographies written", "path", out, "pairs", len(rec.Pairs))

			if gcpDir != "" {
				if err := os.MkdirAll(gcpDir, 0o755); err != nil {
					return err
				}
				for i, pr := range rec.Pairs {
					path := filepath.Join(gcpDir, fmt.Sprintf("pair_%03d.points", i+1))
					if err := writeGCP(path, pr); err != nil {
						return err
					}
				}
			}

			if proj != nil {
				proj.SetExport(projectPath, out)
				if err := proj.Save(projectPath); err != nil {
					return fmt.Errorf("save project: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pairsFile, "pairs", "", "pairs file")
	cmd.Flags().StringVar(&paramsDoc, "params", "", "parameter dictionary as JSON or @file")
	cmd.Flags().StringVar(&projectPath, "project", "", "project file providing pairs, params and output path")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output JSON path")
	cmd.Flags().Float64Var(&alpha, "alpha", 0.1, "RMSE weight in the cost (default: params file, then config)")
	cmd.Flags().StringVar(&gcpDir, "gcp-dir", "", "also write one control points CSV per pair into this directory")
	return cmd
}
