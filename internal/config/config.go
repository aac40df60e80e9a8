package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name    string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"zenflow"` // used for OTEL as an application identifier
	Server  Server  `yaml:"server" json:"server"`                                  // configuration of the metrics endpoint
	Engine  Engine  `yaml:"engine" json:"engine"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
}

type Server struct {
	// MetricsAddr serves the Prometheus scrape endpoint
	MetricsAddr string `yaml:"metricsAddr" json:"metricsAddr" env:"METRICS_ADDR" env-default:":9090"`
}

type Engine struct {
	// EventBusBufferSize bounds each subscriber's delivery channel
	EventBusBufferSize int `yaml:"eventBusBufferSize" json:"eventBusBufferSize" env:"ENGINE_EVENT_BUS_BUFFER_SIZE" env-default:"64"`
	// MultiInstanceExcessPolicy decides what happens when a static
	// multi-instance input collection exceeds the resolved maximum:
	// "warn" drops the excess with a logged warning, "error" rejects the
	// firing
	MultiInstanceExcessPolicy string `yaml:"multiInstanceExcessPolicy" json:"multiInstanceExcessPolicy" env:"ENGINE_MI_EXCESS_POLICY" env-default:"warn"`
	// ScriptRuntime selects the predicate evaluator: "feel" or "js"
	ScriptRuntime string `yaml:"scriptRuntime" json:"scriptRuntime" env:"ENGINE_SCRIPT_RUNTIME" env-default:"feel"`
	// JsVmPoolMin and JsVmPoolMax size the goja VM pool of the js runtime
	JsVmPoolMin int `yaml:"jsVmPoolMin" json:"jsVmPoolMin" env:"ENGINE_JS_VM_POOL_MIN" env-default:"2"`
	JsVmPoolMax int `yaml:"jsVmPoolMax" json:"jsVmPoolMax" env:"ENGINE_JS_VM_POOL_MAX" env-default:"8"`
}

type Tracing struct {
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME" env-default:"zenflow"`
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
