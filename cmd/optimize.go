package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fdcrail/railsched/config"
	"github.com/fdcrail/railsched/core/conflict"
	"github.com/fdcrail/railsched/core/ctc"
	"github.com/fdcrail/railsched/core/genetic"
	"github.com/fdcrail/railsched/core/graph"
	coremetrics "github.com/fdcrail/railsched/core/metrics"
	"github.com/fdcrail/railsched/core/physics"
	"github.com/fdcrail/railsched/core/pipeline"
	"github.com/fdcrail/railsched/core/remoteopt"
	"github.com/fdcrail/railsched/core/timetable"
	"github.com/fdcrail/railsched/infra/logger"
	"github.com/fdcrail/railsched/infra/metrics"
	"github.com/fdcrail/railsched/infra/mqtt"
	infraopt "github.com/fdcrail/railsched/infra/remoteopt"
	"github.com/fdcrail/railsched/internal/eventbus"
)

var scenarioPath string

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize the timetable of a scenario file",
	RunE:  runOptimize,
}

func init() {
	optimizeCmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file (yaml or json)")
	if err := optimizeCmd.MarkFlagRequired("scenario"); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(optimizeCmd)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	scenario, err := config.LoadScenario(scenarioPath)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	net, err := scenario.Network()
	if err != nil {
		return fmt.Errorf("build network: %w", err)
	}
	newTrains, err := scenario.NewTrains()
	if err != nil {
		return fmt.Errorf("build trains: %w", err)
	}
	existing, err := scenario.ExistingTrains()
	if err != nil {
		return fmt.Errorf("build existing trains: %w", err)
	}

	logg := logger.New("optimize")

	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
		go func() {
			if err := metrics.StartPromServer(cfg.Metrics.PrometheusPort); err != nil {
				logg.Errorf("prom server: %v", err)
			}
		}()
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.Metrics))
	}
	var sink coremetrics.MetricsSink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New()
	defer bus.Close()
	if cfg.MQTT.Enabled {
		bridge, err := mqtt.NewBridge(cfg.MQTT, logger.New("mqtt-bridge"))
		if err != nil {
			logg.Warnf("mqtt bridge unavailable: %v", err)
		} else {
			defer bridge.Close()
			go bridge.Run(ctx, bus)
		}
	}

	g := graph.New(net)
	calc := timetable.New(g, physics.KinematicEngine{})
	det := conflict.NewDetector(net, calc, logger.New("conflict"))
	resolver := ctc.NewResolver(cfg.CTC, net, calc, det, logger.New("ctc"))
	refiner := genetic.NewRefiner(cfg.Genetic, net, calc, det, logger.New("genetic"))

	var remote remoteopt.Optimizer
	if cfg.Remote.Enabled && cfg.Remote.URL != "" {
		remote = infraopt.NewClient(cfg.Remote, logger.New("remoteopt"))
		cfg.Pipeline.RemoteEnabled = true
		cfg.Pipeline.MinConfidence = cfg.Remote.MinConfidence
		cfg.Pipeline.ConflictTolerance = cfg.Remote.Tolerance
	}

	orch := pipeline.New(cfg.Pipeline, net, calc, det, resolver, refiner, remote,
		logger.New("pipeline"), sink, bus)

	res, err := orch.Optimize(ctx, newTrains, existing)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func printResult(res *pipeline.Result) {
	fmt.Printf("run %s: %d trains scheduled, resolved=%t\n", res.RunID, len(res.Trains), res.Resolved)
	for _, t := range res.Trains {
		last := t.Stops[len(t.Stops)-1]
		fmt.Printf("  %-12s departs %s arrives %s\n", t.ID,
			t.Stops[0].Departure.Format("15:04:05"), last.Arrival.Format("15:04:05"))
	}
	if len(res.Conflicts) > 0 {
		fmt.Printf("residual conflicts (%d):\n", len(res.Conflicts))
		for _, c := range res.Conflicts {
			fmt.Printf("  %s\n", c)
		}
	}
}
