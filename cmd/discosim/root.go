package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/discovery-collab-sim/core"
	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	logLevel  string
	logFormat string
	logFile   string
	verbose   bool

	scenarioPath string
	numFixed     int
	numMobile    int
	distance     float64
	radioRange   float64
	seed         uint64

	simTime           float64
	discoveryDuration float64
	collabDuration    float64
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	gen := core.DefaultGenerateParams()
	def := core.DefaultScenario(gen)

	root := &cobra.Command{
		Use:   "discosim",
		Short: "Discovery and collaboration protocol simulator",
		Long: `discosim runs fixed and mobile agents through a shared discovery phase and
a collaboration phase on a virtual clock. Agents find neighbors with
broadcast probes, then open sessions and exchange data with the peers they
confirmed.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", envOr("LOG_FORMAT", "pretty"), "log format: pretty, text or json")
	pf.StringVar(&opts.logFile, "log-file", "", "also write JSON logs to this file")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output (debug logs)")

	pf.StringVarP(&opts.scenarioPath, "scenario", "f", "", "scenario file (YAML or JSON); generated from flags when empty")
	pf.IntVar(&opts.numFixed, "num-fixed", gen.NumFixed, "number of fixed agents")
	pf.IntVar(&opts.numMobile, "num-mobile", gen.NumMobile, "number of mobile agents")
	pf.Float64Var(&opts.distance, "distance", gen.Distance, "spacing between fixed agents in metres")
	pf.Float64Var(&opts.radioRange, "radio-range", def.RadioRange, "radio range in metres")
	pf.Uint64Var(&opts.seed, "seed", gen.Seed, "random seed for placement, mobility, jitter and loss")
	pf.Float64Var(&opts.simTime, "sim-time", float64(def.SimTime), "simulation time in seconds")
	pf.Float64Var(&opts.discoveryDuration, "discovery-duration", float64(def.Protocol.DiscoveryDuration), "discovery phase duration in seconds")
	pf.Float64Var(&opts.collabDuration, "collab-duration", float64(def.Protocol.CollaborationDuration), "collaboration phase duration in seconds")

	root.AddCommand(newRunCmd(opts), newValidateCmd(opts), newDefaultsCmd(opts))
	return root
}

// scenario loads the scenario file when one is given, otherwise generates
// one, and then applies any explicitly set overrides.
func (o *rootOptions) scenario(cmd *cobra.Command) (*core.Scenario, error) {
	var s *core.Scenario
	if o.scenarioPath != "" {
		f, err := os.Open(o.scenarioPath)
		if err != nil {
			return nil, fmt.Errorf("open scenario: %w", err)
		}
		defer f.Close()
		if s, err = core.LoadScenario(f); err != nil {
			return nil, err
		}
	} else {
		s = core.DefaultScenario(core.GenerateParams{
			NumFixed:  o.numFixed,
			NumMobile: o.numMobile,
			Distance:  o.distance,
			Seed:      o.seed,
		})
	}

	flags := cmd.Flags()
	if flags.Changed("seed") {
		s.Seed = o.seed
	}
	if flags.Changed("radio-range") || o.scenarioPath == "" {
		s.RadioRange = o.radioRange
	}
	if flags.Changed("sim-time") || o.scenarioPath == "" {
		s.SimTime = core.Seconds(o.simTime)
	}
	if flags.Changed("discovery-duration") || o.scenarioPath == "" {
		s.Protocol.DiscoveryDuration = core.Seconds(o.discoveryDuration)
	}
	if flags.Changed("collab-duration") || o.scenarioPath == "" {
		s.Protocol.CollaborationDuration = core.Seconds(o.collabDuration)
	}
	return s, nil
}

// logger builds the run logger. The returned closer releases the log file.
func (o *rootOptions) logger(stderr io.Writer) (logging.Logger, func() error, error) {
	level := o.logLevel
	if o.verbose {
		level = "debug"
	}
	cfg := logging.Config{Level: level, Format: o.logFormat, Output: stderr}
	closer := func() error { return nil }
	if o.logFile != "" {
		f, err := os.Create(o.logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cfg.File = f
		closer = f.Close
	}
	return logging.New(cfg), closer, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
