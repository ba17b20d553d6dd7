package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/conveyorhq/conveyor/agent"
	"github.com/conveyorhq/conveyor/config"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().Int("http-port", 8000, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage (memory, redis, postgres)")
	cmd.Flags().Int("partitions", 4, "queue partition count")
	cmd.Flags().Int("batch-size", 10, "dispatch poll batch size")
	cmd.Flags().Int("poll-interval-ms", 100, "dispatch poll interval in milliseconds")
	cmd.Flags().Int("sweep-interval-ms", 1000, "retry/delay/timeout sweep interval in milliseconds")
	cmd.Flags().Int("event-buffer", 1024, "event emitter buffer size")
	cmd.Flags().Int64("max-delay-seconds", 86400, "largest representable delay on the memory backend")
	cmd.Flags().String("audit-log-file", "", "append execution events to this file when set")
	cmd.Flags().String("agent-url", "http://localhost:9090", "endpoint agent nodes are invoked on")
	cmd.Flags().String("task-service-url", "http://localhost:9091", "endpoint task mutation nodes call")
	cmd.Flags().String("connectors", "", "comma separated name=url pairs for integration nodes")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "conveyor", "namespace used in redis storage")
	cmd.Flags().String("postgres-dsn", "", "postgres connection string")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	logger.Configure(viper.GetString("log-level"))

	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.Partitions = viper.GetInt("partitions")
	c.cfg.BatchSize = viper.GetInt("batch-size")
	c.cfg.PollIntervalMillis = viper.GetInt("poll-interval-ms")
	c.cfg.SweepIntervalMillis = viper.GetInt("sweep-interval-ms")
	c.cfg.EventBufferSize = viper.GetInt("event-buffer")
	c.cfg.MaxDelaySeconds = viper.GetInt64("max-delay-seconds")
	c.cfg.AuditLogFile = viper.GetString("audit-log-file")
	c.cfg.AgentUrl = viper.GetString("agent-url")
	c.cfg.TaskServiceUrl = viper.GetString("task-service-url")
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.PostgresConfig.DSN = viper.GetString("postgres-dsn")

	connectors, err := parseConnectors(viper.GetString("connectors"))
	if err != nil {
		return err
	}
	c.cfg.Connectors = connectors
	return nil
}

func parseConnectors(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, url, found := strings.Cut(pair, "=")
		if !found || name == "" || url == "" {
			return nil, fmt.Errorf("invalid connector %q, expected name=url", pair)
		}
		out[name] = url
	}
	return out, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return a.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "conveyor",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
