package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jrepp/simbridge/pkg/metrics"
	"github.com/jrepp/simbridge/pkg/observability"
	"github.com/jrepp/simbridge/pkg/pool"
	"github.com/jrepp/simbridge/pkg/poolrpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Run or inspect a pool manager",
}

var poolServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an engine pool to remote sessions",
	Long: `Serves a managed engine pool over gRPC. Sessions started with
"simbridge episode --pool-addr" acquire instances from it; instances of
sessions that stop sending keep-alives are destroyed.

Example:
  simbridge pool serve --listen :50151 --max-instances 4 --prewarm 2 --metrics-port 9090
`,
	RunE: runPoolServe,
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the instances of a running pool manager",
	RunE:  runPoolList,
}

func init() {
	poolServeCmd.Flags().String("listen", ":50151", "Pool manager gRPC listen address")
	poolServeCmd.Flags().Int("max-instances", 0, "Maximum number of engine instances (0 is unbounded)")
	poolServeCmd.Flags().Int("prewarm", 0, "Engines to launch before serving")
	poolServeCmd.Flags().Int("metrics-port", 0, "Prometheus metrics HTTP port (0 disables)")
	poolServeCmd.Flags().Bool("tracing", false, "Export traces to stderr")

	viper.BindPFlag("manager.listen", poolServeCmd.Flags().Lookup("listen"))
	viper.BindPFlag("pool.max_instances", poolServeCmd.Flags().Lookup("max-instances"))
	viper.BindPFlag("observability.metrics_port", poolServeCmd.Flags().Lookup("metrics-port"))
	viper.BindPFlag("observability.tracing", poolServeCmd.Flags().Lookup("tracing"))

	poolListCmd.Flags().String("pool-addr", "localhost:50151", "Pool manager address")

	poolCmd.AddCommand(poolServeCmd)
	poolCmd.AddCommand(poolListCmd)
}

func runPoolServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pc, err := cfg.PoolConfig()
	if err != nil {
		return err
	}
	if err := pc.Engine.Manifest.Validate(); err != nil {
		return fmt.Errorf("engine manifest: %w", err)
	}

	collector := metrics.NewPrometheusCollector("simbridge")
	obsCfg := observability.DefaultConfig("simbridge-pool", version)
	obsCfg.MetricsPort = cfg.Observability.MetricsPort
	obsCfg.EnableTracing = cfg.Observability.Tracing
	obsCfg.Gatherer = collector.Registry()
	obs := observability.NewManager(obsCfg, log)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	p := pool.New(pc, pool.WithLogger(log), pool.WithMetrics(collector))

	if n, _ := cmd.Flags().GetInt("prewarm"); n > 0 {
		out.Println(fmt.Sprintf("launching %d engines...", n))
		// Prewarmed engines stay idle in the pool; Serve shuts them down.
		insts, _, err := p.Allocate(ctx, n)
		if err != nil {
			return fmt.Errorf("prewarm: %w", err)
		}
		for _, inst := range insts {
			out.KeyValue(inst.ID(), inst.Addr())
		}
	}

	lis, err := net.Listen("tcp", cfg.Manager.Listen)
	if err != nil {
		p.ShutdownAll(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Manager.Listen, err)
	}
	out.Success("pool manager listening on " + lis.Addr().String())
	if addr := obs.MetricsAddr(); addr != "" {
		out.KeyValue("metrics", "http://"+addr+"/metrics")
	}

	srv := poolrpc.NewServer(p,
		poolrpc.WithServerLogger(log),
		poolrpc.WithKeepAliveInterval(cfg.Manager.KeepAliveInterval),
	)
	return srv.Serve(ctx, lis)
}

func runPoolList(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("pool-addr")
	client, err := poolrpc.Dial(poolrpc.ClientConfig{Addr: addr, Logger: log})
	if err != nil {
		return err
	}
	defer client.Close()

	instances, err := client.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		out.Warning("no instances")
		return nil
	}

	tbl := out.NewTable("ID", "ADDR", "STATE", "OWNER", "PID", "DEBUG")
	for _, inst := range instances {
		debug := "-"
		if inst.DebugPort > 0 {
			debug = strconv.Itoa(inst.DebugPort)
		}
		tbl.AddRow(inst.ID, net.JoinHostPort(inst.Host, strconv.Itoa(inst.Port)),
			inst.State, inst.Owner, strconv.Itoa(inst.PID), debug)
	}
	tbl.Render()
	return nil
}
