package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/config"
	"github.com/sugarme/stereoloss/imgio"
	"github.com/sugarme/stereoloss/loss"
	"github.com/sugarme/stereoloss/metric"
	"github.com/sugarme/stereoloss/report"
	"github.com/sugarme/stereoloss/warp"
)

type evalOptions struct {
	Left, Right     string
	Disp, DispRight string
	GT              string
	ConfigPath      string
	MaxDisp         float64
	Variant         string
	Device          string
	Reduction       int
	DispScale       float64
	Out             string
	Plot            string
	OccOut          string
	ErrOut          string
}

var evalOpts evalOptions

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score a disparity estimate against a stereo pair",
	Long: `Builds a disparity pyramid from a full-resolution estimate, reports the
reconstruction loss of every active position and, with --gt, the regression
loss and EPE/D1/threshold metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := evalOpts
		cfg, err := opts.config(cmd)
		if err != nil {
			return err
		}

		start := time.Now()
		r, err := runEval(opts, cfg)
		if err != nil {
			return err
		}

		s := r.Summary()
		attrs := []any{"run", r.ID, "variant", r.Variant, "positions", s.Positions, "loss", s.Loss, "weighted_mean", s.WeightedMean, "elapsed", time.Since(start)}
		if r.Regression != nil {
			attrs = append(attrs, "regression", *r.Regression)
		}
		if r.Scores != nil {
			attrs = append(attrs, "epe", r.Scores.EPE, "d1", r.Scores.D1, "thres3", r.Scores.Thres3)
		}
		slog.Info("Evaluation complete", attrs...)

		return nil
	},
}

func init() {
	f := evalCmd.Flags()
	f.StringVar(&evalOpts.Left, "left", "", "Left image path (required)")
	f.StringVar(&evalOpts.Right, "right", "", "Right image path (required)")
	f.StringVar(&evalOpts.Disp, "disp", "", "Left-to-right disparity estimate (required)")
	f.StringVar(&evalOpts.DispRight, "disp-right", "", "Right-to-left disparity estimate, enables occlusion masking")
	f.StringVar(&evalOpts.GT, "gt", "", "Ground-truth disparity")
	f.StringVar(&evalOpts.ConfigPath, "config", "", "YAML config file")
	f.Float64Var(&evalOpts.MaxDisp, "max-disp", 192, "Maximum supervised disparity")
	f.StringVar(&evalOpts.Variant, "variant", "", "Schedule variant (base, refine, eval, ...)")
	f.StringVar(&evalOpts.Device, "device", "", "Device: cpu or cuda")
	f.IntVar(&evalOpts.Reduction, "reduction", 1, "Reduce inputs by this integer factor")
	f.Float64Var(&evalOpts.DispScale, "disp-scale", 256, "Stored value per pixel of disparity in 16-bit maps (8-bit maps are read raw)")
	f.StringVar(&evalOpts.Out, "out", "report.csv", "CSV report path")
	f.StringVar(&evalOpts.Plot, "plot", "", "Bar chart output path")
	f.StringVar(&evalOpts.OccOut, "occ-out", "", "Full-resolution occlusion mask output path")
	f.StringVar(&evalOpts.ErrOut, "err-out", "", "Error map output path, needs --gt")

	evalCmd.MarkFlagRequired("left")
	evalCmd.MarkFlagRequired("right")
	evalCmd.MarkFlagRequired("disp")
	rootCmd.AddCommand(evalCmd)
}

// config loads the config file, if any, and applies explicitly set flags.
func (o evalOptions) config(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return cfg, err
		}
	}

	if cmd == nil || cmd.Flags().Changed("max-disp") {
		cfg.MaxDisp = o.MaxDisp
	}
	if o.Variant != "" {
		cfg.Variant = o.Variant
	}
	if o.Device != "" {
		cfg.Device = o.Device
	}

	return cfg, cfg.Validate()
}

func runEval(o evalOptions, cfg config.Config) (*report.Report, error) {
	sched, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	device, err := cfg.TorchDevice()
	if err != nil {
		return nil, err
	}

	left, err := loadImage(o.Left, o.Reduction, device)
	if err != nil {
		return nil, err
	}
	defer left.MustDrop()
	right, err := loadImage(o.Right, o.Reduction, device)
	if err != nil {
		return nil, err
	}
	defer right.MustDrop()

	disp, err := loadDisparity(o.Disp, o.Reduction, o.DispScale, device)
	if err != nil {
		return nil, err
	}
	defer disp.MustDrop()

	pyramid, err := buildPyramid(disp, sched)
	if err != nil {
		return nil, err
	}
	defer dropAll(pyramid)
	slog.Debug("Built pyramid", "variant", sched.Name, "positions", len(pyramid), "shape", disp.MustSize())

	warper := warp.NewGridWarper()

	var occ []*ts.Tensor
	if o.DispRight != "" {
		dispRight, err := loadDisparity(o.DispRight, o.Reduction, o.DispScale, device)
		if err != nil {
			return nil, err
		}
		rightPyramid, err := buildPyramid(dispRight, sched)
		dispRight.MustDrop()
		if err != nil {
			return nil, err
		}
		occ, err = loss.NewOcclusionDetector(cfg.Occlusion, warper).Detect(pyramid, rightPyramid)
		dropAll(rightPyramid)
		if err != nil {
			return nil, err
		}
		defer dropAll(occ)

		if o.OccOut != "" {
			if err := saveOcclusion(occ[len(occ)-1], o.OccOut); err != nil {
				return nil, err
			}
			slog.Info("Saved occlusion mask", "path", o.OccOut)
		}
	}

	rec := loss.NewReconstruction(cfg.Reconstruction, warper)
	terms, err := rec.LossTerms(pyramid, left, right, occ, sched)
	if err != nil {
		return nil, err
	}

	r := report.New(sched.Name)
	r.AddTerms(terms)
	for i := range terms {
		slog.Debug("Position", "index", terms[i].Position, "scale", terms[i].Scale, "total", r.Rows[i].Total)
		terms[i].Drop()
	}

	if o.GT != "" {
		if err := supervise(r, disp, o, cfg, device); err != nil {
			return nil, err
		}
	}

	if o.Out != "" {
		if err := r.SaveCSV(o.Out); err != nil {
			return nil, err
		}
	}
	if o.Plot != "" {
		if err := r.Plot(o.Plot); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// supervise adds regression loss and metrics of the full-resolution
// estimate against ground truth.
func supervise(r *report.Report, disp *ts.Tensor, o evalOptions, cfg config.Config, device gotch.Device) error {
	gt, err := loadDisparity(o.GT, o.Reduction, o.DispScale, device)
	if err != nil {
		return err
	}
	defer gt.MustDrop()

	reg, err := loss.Regression([]*ts.Tensor{disp}, gt, cfg.MaxDisp, loss.Eval.Schedule())
	if err != nil {
		return err
	}
	r.SetRegression(reg.Float64Values()[0])
	reg.MustDrop()

	mask := loss.ValidityMask(gt, cfg.MaxDisp)
	r.SetScores(metric.Evaluate(disp, gt, mask))
	mask.MustDrop()

	if o.ErrOut != "" {
		errMap := metric.ErrorMap(disp, gt).MustTo(gotch.CPU, true)
		err := imgio.SaveMask(errMap, o.ErrOut)
		errMap.MustDrop()
		if err != nil {
			return err
		}
		slog.Info("Saved error map", "path", o.ErrOut)
	}

	return nil
}

// loadImage reads an image as a (1, 3, H, W) tensor.
func loadImage(path string, reduction int, device gotch.Device) (*ts.Tensor, error) {
	img, err := imgio.ReadImage(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	img = imgio.Reduce(img, reduction)

	return imgio.ImageTensor(img).MustUnsqueeze(0, true).MustTo(device, true), nil
}

// loadDisparity reads a disparity map as a (1, H, W) tensor in pixels of
// the reduced resolution.
func loadDisparity(path string, reduction int, scale float64, device gotch.Device) (*ts.Tensor, error) {
	img, err := imgio.ReadImage(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	d := imgio.DisparityTensor(imgio.ReduceDisparity(img, reduction), scale)
	if reduction > 1 {
		d = d.MustDivScalar(ts.FloatScalar(float64(reduction)), true)
	}

	return d.MustTo(device, true), nil
}

// buildPyramid derives one estimate per schedule position from a single
// full-resolution map.
func buildPyramid(disp *ts.Tensor, sched loss.Schedule) ([]*ts.Tensor, error) {
	pyramid := make([]*ts.Tensor, 0, sched.Len())
	for _, s := range sched.Scales {
		d, err := loss.ScaleGroundTruth(disp, s)
		if err != nil {
			dropAll(pyramid)
			return nil, err
		}
		pyramid = append(pyramid, d)
	}

	return pyramid, nil
}

func saveOcclusion(mask *ts.Tensor, path string) error {
	// (1, 1, H, W) -> (1, H, W)
	m := mask.MustSqueezeDim(0, false).MustTo(gotch.CPU, true)
	defer m.MustDrop()

	return imgio.SaveMask(m, path)
}

func dropAll(xs []*ts.Tensor) {
	for _, x := range xs {
		if x != nil {
			x.MustDrop()
		}
	}
}
