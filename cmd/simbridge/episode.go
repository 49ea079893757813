package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/simbridge/pkg/bridge"
	"github.com/jrepp/simbridge/pkg/metrics"
	"github.com/jrepp/simbridge/pkg/mission"
	"github.com/jrepp/simbridge/pkg/observability"
	"github.com/jrepp/simbridge/pkg/pool"
	"github.com/jrepp/simbridge/pkg/poolrpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var episodeCmd = &cobra.Command{
	Use:   "episode",
	Short: "Run one episode and print each step",
	Long: `Starts an episode with the given mission and sends the same action
every step until the episode ends or --steps is reached.

Without --pool-addr an engine is launched locally and destroyed on exit.
With --pool-addr it is acquired from a running "simbridge pool serve".

Example:
  simbridge episode --mission cliff.xml --steps 50 --action "move 1"
  simbridge episode --pool-addr localhost:50151 --command "/time set day"
`,
	RunE: runEpisode,
}

func init() {
	episodeCmd.Flags().String("mission", "", "Mission XML file (default: a flat world)")
	episodeCmd.Flags().Int("steps", 100, "Maximum number of steps")
	episodeCmd.Flags().String("action", "move 1", "Action sent every step")
	episodeCmd.Flags().StringSlice("command", nil, "Chat commands executed after reset, e.g. \"/time set day\"")
	episodeCmd.Flags().Int64("seed", 0, "Episode seed passed to the engine")
	episodeCmd.Flags().Duration("time-limit", time.Minute, "Time limit of the default mission")
	episodeCmd.Flags().String("pool-addr", "", "Pool manager address; launch locally when empty")
	episodeCmd.Flags().Bool("keep-warm", false, "Return the remote instance to the pool instead of destroying it")

	viper.BindPFlag("manager.addr", episodeCmd.Flags().Lookup("pool-addr"))
	viper.BindPFlag("manager.keep_warm", episodeCmd.Flags().Lookup("keep-warm"))
}

func loadMission(cmd *cobra.Command) ([]byte, error) {
	if path, _ := cmd.Flags().GetString("mission"); path != "" {
		return os.ReadFile(path)
	}

	limit, _ := cmd.Flags().GetDuration("time-limit")
	m, err := mission.NewBuilder().
		WithSummary("simbridge episode").
		WithTimeLimit(limit).
		WithFlatWorld("3;7,2*3,2;1;").
		WithForceReset().
		WithChatCommands().
		Build()
	if err != nil {
		return nil, err
	}
	return m.XML()
}

func runEpisode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	xml, err := loadMission(cmd)
	if err != nil {
		return fmt.Errorf("mission: %w", err)
	}

	collector := metrics.NewPrometheusCollector("simbridge")
	obsCfg := observability.DefaultConfig("simbridge-episode", version)
	obsCfg.MetricsPort = cfg.Observability.MetricsPort
	obsCfg.EnableTracing = cfg.Observability.Tracing
	obsCfg.Gatherer = collector.Registry()
	obs := observability.NewManager(obsCfg, log)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	alloc, cleanup, err := newAllocator(collector)
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := bridge.New(alloc, cfg.BridgeConfig(),
		bridge.WithLogger(log),
		bridge.WithMetrics(collector),
		bridge.WithTracer(obs.Tracer("simbridge")),
	)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())

	ep := bridge.Episode{ID: uuid.NewString(), Mission: xml}
	if cmd.Flags().Changed("seed") {
		seed, _ := cmd.Flags().GetInt64("seed")
		ep.Seed = &seed
	}

	start := time.Now()
	obsv, err := sess.Reset(ctx, ep)
	if err != nil {
		return err
	}
	out.Header("episode " + ep.ID)
	out.KeyValue("instance", sess.Instances()[0].Addr())
	out.KeyValue("reset", time.Since(start).Round(time.Millisecond).String())
	out.KeyValue("observation keys", strconv.Itoa(len(obsv)))

	commands, _ := cmd.Flags().GetStringSlice("command")
	for _, c := range commands {
		res, err := sess.Execute(ctx, c)
		if err != nil {
			return err
		}
		if !res.Success || res.Done {
			out.Warning("episode ended while running " + c)
			return nil
		}
	}

	steps, _ := cmd.Flags().GetInt("steps")
	action, _ := cmd.Flags().GetString("action")
	taken := 0
	for taken < steps {
		if ctx.Err() != nil {
			break
		}
		res, err := sess.Step(ctx, action)
		if err != nil {
			return err
		}
		taken++
		out.Step(taken, res.Success, res.Done, len(res.Observation))
		if !res.Success {
			out.Error("lost the engine connection")
			break
		}
		if res.Done {
			break
		}
	}

	out.Success(fmt.Sprintf("%d steps in %s", taken, time.Since(start).Round(time.Millisecond)))
	return nil
}

// newAllocator returns the remote pool client when a manager address is
// configured, else a local pool.
func newAllocator(collector metrics.Collector) (bridge.Allocator, func(), error) {
	if cfg.Manager.Addr != "" {
		client, err := poolrpc.Dial(poolrpc.ClientConfig{
			Addr:              cfg.Manager.Addr,
			KeepAliveInterval: cfg.Manager.KeepAliveInterval,
			KeepWarm:          cfg.Manager.KeepWarm,
			Logger:            log,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}

	pc, err := cfg.PoolConfig()
	if err != nil {
		return nil, nil, err
	}
	p := pool.New(pc, pool.WithLogger(log), pool.WithMetrics(collector))
	return p, func() { p.ShutdownAll(context.Background()) }, nil
}
