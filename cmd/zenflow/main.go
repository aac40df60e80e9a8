package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/otel"
	"github.com/pbinitiative/zenflow/internal/profile"
	"github.com/pbinitiative/zenflow/pkg/eventbus"
	"github.com/pbinitiative/zenflow/pkg/petri"
	"github.com/pbinitiative/zenflow/pkg/script"
	"github.com/pbinitiative/zenflow/pkg/script/feel"
	"github.com/pbinitiative/zenflow/pkg/script/js"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/worklet"
)

func main() {
	profile.InitProfile()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "zenflow",
		Level: profile.LogLevel(),
	})
	hclog.SetDefault(logger)

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		logger.Error("Failed to set up OTEL", "error", err)
		os.Exit(1)
	}

	store := inmemory.NewStorage()
	bus := eventbus.New(conf.Engine.EventBusBufferSize)

	var evaluator script.Evaluator = feel.NewRuntime()
	if conf.Engine.ScriptRuntime == "js" {
		evaluator = js.NewJsRuntime(appContext, conf.Engine.JsVmPoolMax, conf.Engine.JsVmPoolMin)
	}

	engine := petri.NewEngine(
		petri.EngineWithStorage(store),
		petri.EngineWithEventBus(bus),
		petri.EngineWithScriptRuntime(evaluator),
		petri.EngineWithExcessPolicy(petri.ExcessPolicy(conf.Engine.MultiInstanceExcessPolicy)),
		petri.EngineWithLogger(logger.Named("petri-engine")),
	)

	worklets := worklet.NewService(&engine, bus, store, evaluator)
	worklets.Start(appContext)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: conf.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("engine started", "name", engine.Name(), "metricsAddr", conf.Server.MetricsAddr)

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("Received signal. Shutting down", "signal", sig.String())

	ctxCancel()
	// cleanup
	_ = metricsServer.Shutdown(context.Background())
	worklets.Stop()
	bus.Close()
	openTelemetry.Stop(context.Background())
}
