package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autogeoref/internal/app"
	"autogeoref/internal/config"
	"autogeoref/internal/pairs"
	"autogeoref/internal/render"
	"autogeoref/internal/server"
	"autogeoref/internal/storage"
	"autogeoref/internal/version"
)

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit  int
		asJSON bool
		pair   string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent optimization runs",
		Long: `List recent optimization runs, or with --pair the single-pair
evaluations recorded by "match".

Examples:
  autogeoref history -n 5
  autogeoref history --pair "scan.tif;ortho.png"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := root.openStore()
			if store == nil {
				return errors.New("run history is disabled in the config")
			}
			defer store.Close()

			if pair != "" {
				return root.printEvaluations(store, pair, limit, asJSON)
			}

			runs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]server.RunView, 0, len(runs))
				for _, rec := range runs {
					views = append(views, server.NewRunView(rec))
				}
				return root.printJSON(views, true)
			}

			tw := tabwriter.NewWriter(root.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tMODE\tPAIRS\tGRID\tBEST COST\tSOURCE")
			for _, rec := range runs {
				cost := "-"
				if rec.BestCost != nil {
					cost = fmt.Sprintf("%.4f", *rec.BestCost)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					rec.ID, rec.CreatedAt.Local().Format(time.DateTime), rec.Status, rec.CVMode,
					rec.NPairs, rec.GridSize, cost, rec.Source)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rows to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&pair, "pair", "", `list evaluations of one pair, given as "img1;img2"`)
	return cmd
}

type evaluationView struct {
	Params      json.RawMessage `json:"params"`
	Found       bool            `json:"found"`
	Inliers     int             `json:"inliers"`
	GoodMatches int             `json:"good_matches"`
	RMSE        *float64        `json:"rmse"`
	Cost        float64         `json:"cost"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r *Root) printEvaluations(store *storage.Store, line string, limit int, asJSON bool) error {
	p, err := pairs.ParseLine(line)
	if err != nil {
		return err
	}
	recs, err := store.Evaluations(p.Img1, p.Img2, limit)
	if err != nil {
		return err
	}

	if asJSON {
		views := make([]evaluationView, 0, len(recs))
		for _, rec := range recs {
			v := evaluationView{
				Found: rec.Found, Inliers: rec.Inliers, GoodMatches: rec.GoodMatches,
				RMSE: rec.RMSE, Cost: rec.Cost, CreatedAt: rec.CreatedAt,
			}
			if rec.ParamsJSON != "" {
				v.Params = json.RawMessage(rec.ParamsJSON)
			}
			views = append(views, v)
		}
		return r.printJSON(views, true)
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVALUATED\tFOUND\tINLIERS\tGOOD\tRMSE\tCOST")
	for _, rec := range recs {
		rmse := "none"
		if rec.RMSE != nil {
			rmse = fmt.Sprintf("%.3f", *rec.RMSE)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\t%.4f\n",
			rec.CreatedAt.Local().Format(time.DateTime), rec.Found, rec.Inliers, rec.GoodMatches, rmse, rec.Cost)
	}
	return tw.Flush()
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server for pair evaluation, match rendering and background
optimization runs with websocket progress.

Examples:
  autogeoref serve
  autogeoref serve --addr 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = root.cfg.Server.Addr
			}
			opts, err := root.cfg.Optimizer.Options()
			if err != nil {
				return err
			}
			ropts := render.DefaultOptions()
			ropts.MaxDraw = root.cfg.Render.MaxDraw
			ropts.Annotate = root.cfg.Render.Annotate

			store := root.openStore()
			defer store.Close()

			runner := app.NewRunner(store, root.eval, root.log)
			srv := server.New(addr, runner, opts, ropts, root.log)
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8765", "listen address (default: config)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printJSON(root.cfg, true)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := root.resolvedConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := root.resolvedConfigPath()
			if err != nil {
				return err
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			root.log.Info("config written", "path", path)
			return nil
		},
	})
	return cmd
}

func (r *Root) resolvedConfigPath() (string, error) {
	if r.configPath != "" {
		return r.configPath, nil
	}
	return config.Path()
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "autogeoref %s\n", version.Version)
			fmt.Fprintf(root.out, "Built %s from %s with Go %s\n", version.BuildTime, version.GitCommit, runtime.Version())
		},
	}
}
