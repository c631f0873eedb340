// Package cli implements the autogeoref command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"autogeoref/internal/config"
	"autogeoref/internal/export"
	"autogeoref/internal/logging"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/params"
	"autogeoref/internal/pipeline"
	"autogeoref/internal/storage"
)

// Root carries the state shared by all commands.
type Root struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer

	// Evaluation backends; the defaults run the image pipeline.
	eval    optimizer.Evaluator
	details export.Source
	match   func(img1, img2 string, p params.ParameterSet, alpha float64) (pipeline.Detail, error)

	configPath string
	logLevel   string
	logFormat  string
}

// New returns a Root writing results to stdout.
func New() *Root {
	return &Root{
		out:     os.Stdout,
		eval:    pipeline.Evaluator{},
		details: pipeline.Evaluator{},
		match:   pipeline.EvaluatePairDetailed,
	}
}

// Run parses args and executes the selected command.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// Command builds the command tree.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autogeoref",
		Short: "Feature matching, homography fitting and parameter search for image pairs",
		Long: `autogeoref matches keypoints between two images, fits a homography with RANSAC
and searches detector and matcher settings by cross-validation over a list of pairs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.setup(cmd)
		},
	}
	rootCmd.SetOut(r.out)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&r.configPath, "config", "", "config file (default $"+config.EnvConfigPath+" or the user config dir)")
	pf.StringVar(&r.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&r.logFormat, "log-format", "", "log format (text|json)")

	rootCmd.AddCommand(newOptimizeCmd(r))
	rootCmd.AddCommand(newMatchCmd(r))
	rootCmd.AddCommand(newRenderCmd(r))
	rootCmd.AddCommand(newExportCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

func (r *Root) setup(cmd *cobra.Command) error {
	var (
		cfg *config.Config
		err error
	)
	if r.configPath != "" {
		cfg, err = config.LoadFrom(r.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if r.logLevel != "" {
		cfg.Logging.Level = r.logLevel
	}
	if r.logFormat != "" {
		cfg.Logging.Format = r.logFormat
	}
	r.cfg = cfg
	if r.log == nil {
		r.log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	return nil
}

// openStore opens the run history. History is optional: failures are
// logged and a nil store is returned.
func (r *Root) openStore() *storage.Store {
	if !r.cfg.Storage.Enabled || r.cfg.Storage.DatabasePath == "" {
		return nil
	}
	store, err := storage.New(r.cfg.Storage.DatabasePath)
	if err != nil {
		r.log.Warn("run history unavailable", "path", r.cfg.Storage.DatabasePath, "error", err)
		return nil
	}
	return store
}

func (r *Root) printJSON(v any, indent bool) error {
	enc := json.NewEncoder(r.out)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// readInline returns s itself, or the contents of the file when s starts
// with '@'.
func readInline(s string) ([]byte, error) {
	if strings.HasPrefix(s, "@") {
		return os.ReadFile(s[1:])
	}
	return []byte(s), nil
}

// paramFlags are the parameter flags shared by match and render.
type paramFlags struct {
	params   string
	detector string
	matcher  string
	ratio    float64
	ransac   float64
	knobs    []string
}

func (pf *paramFlags) register(cmd *cobra.Command) {
	def := params.Default()
	f := cmd.Flags()
	f.StringVar(&pf.params, "params", "", "parameter dictionary as JSON or @file")
	f.StringVar(&pf.detector, "detector", string(def.Detector.Kind()), "feature detector (ORB|SIFT|AKAZE)")
	f.StringVar(&pf.matcher, "matcher", string(def.Matcher), "matcher (auto|bf|flann)")
	f.Float64Var(&pf.ratio, "ratio", def.RatioThresh, "Lowe ratio threshold")
	f.Float64Var(&pf.ransac, "ransac", def.RansacThresh, "RANSAC reprojection threshold in pixels")
	f.StringArrayVar(&pf.knobs, "knob", nil, "detector knob key=value, e.g. orb_nfeatures=3000 (repeatable)")
}

// build merges --params with the explicitly set flags.
func (pf *paramFlags) build(cmd *cobra.Command) (params.ParameterSet, error) {
	m := map[string]any{}
	if pf.params != "" {
		var err error
		if m, err = parseParamsDoc(pf.params); err != nil {
			return params.ParameterSet{}, err
		}
		delete(m, export.KeyAlphaRMSE)
	}
	f := cmd.Flags()
	if f.Changed("detector") {
		m[params.KeyDetector] = pf.detector
	}
	if f.Changed("matcher") {
		m[params.KeyMatcherType] = pf.matcher
	}
	if f.Changed("ratio") {
		m[params.KeyRatioThresh] = pf.ratio
	}
	if f.Changed("ransac") {
		m[params.KeyRansacThresh] = pf.ransac
	}
	for _, kv := range pf.knobs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return params.ParameterSet{}, fmt.Errorf("%w: knob %q is not key=value", params.ErrInvalidParams, kv)
		}
		m[strings.TrimSpace(k)] = knobValue(strings.TrimSpace(v))
	}
	return params.FromMap(m)
}

// parseParamsDoc reads a flat parameter dictionary. The output of optimize
// is accepted too, in which case its "best" entry is used.
func parseParamsDoc(s string) (map[string]any, error) {
	data, err := readInline(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", params.ErrInvalidParams, err)
	}
	if best, ok := m["best"].(map[string]any); ok {
		return best, nil
	}
	return m, nil
}

// knobValue keeps numbers numeric so the knob parsers see float64 like
// they do for JSON input.
func knobValue(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
