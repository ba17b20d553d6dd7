package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/config"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/executor"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/metrics"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/persistence/inmem"
	"github.com/conveyorhq/conveyor/persistence/postgres"
	"github.com/conveyorhq/conveyor/persistence/redis"
	"github.com/conveyorhq/conveyor/rest"
	"github.com/conveyorhq/conveyor/service"
	"github.com/conveyorhq/conveyor/worker"
)

// Agent assembles one conveyor node, storage, event stream, engine,
// executors, worker pool and the HTTP surface, and owns their lifecycle.
type Agent struct {
	Config config.Config

	executionStorage persistence.ExecutionStorage
	queueStorage     persistence.QueueStorage
	metadataStorage  persistence.MetadataStorage
	auditStorage     persistence.AuditStorage
	closeStorage     func() error

	stream           *event.StreamBroker
	emitter          *event.CollectorEmitter
	logSink          *event.LogFileSink
	metadataService  metadata.MetadataService
	engine           *engine.Engine
	registry         *executor.Registry
	pool             *worker.Pool
	sweepers         *worker.Sweepers
	executionService *service.ExecutionService
	httpServer       *rest.Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config: conf.WithDefaults(),
	}
	setup := []func() error{
		a.setupMetrics,
		a.setupStorage,
		a.setupEventStream,
		a.setupEngine,
		a.setupExecutors,
		a.setupWorkers,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupMetrics() error {
	return metrics.Register()
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_INMEM:
		store := inmem.NewStore(a.Config.Partitions, a.Config.MaxDelaySeconds)
		a.executionStorage = store
		a.queueStorage = store
		a.metadataStorage = store
		a.auditStorage = store
		a.closeStorage = store.Close
	case config.STORAGE_TYPE_REDIS:
		conf := a.Config.RedisConfig
		conf.Partitions = a.Config.Partitions
		a.executionStorage = redis.NewExecutionStorage(conf)
		a.queueStorage = redis.NewQueueStorage(conf)
		a.metadataStorage = redis.NewMetadataStorage(conf)
		a.auditStorage = redis.NewAuditStorage(conf)
	case config.STORAGE_TYPE_POSTGRES:
		conf := a.Config.PostgresConfig
		conf.Partitions = a.Config.Partitions
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := postgres.NewStore(ctx, conf)
		if err != nil {
			return err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
		a.executionStorage = store
		a.queueStorage = store
		a.metadataStorage = store
		a.auditStorage = store
		a.closeStorage = store.Close
	default:
		return fmt.Errorf("unknown storage type %s", a.Config.StorageType)
	}
	return nil
}

func (a *Agent) setupEventStream() error {
	a.stream = event.NewStreamBroker()
	sinks := []event.Sink{
		event.NewAuditSink(a.auditStorage),
		metrics.NewEventSink(),
		a.stream,
	}
	if a.Config.AuditLogFile != "" {
		logSink, err := event.NewLogFileSink(a.Config.AuditLogFile)
		if err != nil {
			return err
		}
		a.logSink = logSink
		sinks = append(sinks, logSink)
	}
	a.emitter = event.NewEmitter(a.Config.EventBufferSize, &a.wg, sinks...)
	a.emitter.Start()
	return nil
}

func (a *Agent) setupEngine() error {
	a.metadataService = metadata.NewMetadataService(a.metadataStorage)
	a.engine = engine.NewEngine(a.metadataService, a.executionStorage, a.emitter)
	a.executionService = service.NewExecutionService(a.engine, a.metadataService, a.executionStorage, a.auditStorage)
	return nil
}

func (a *Agent) setupExecutors() error {
	invoker := executor.NewHTTPAgentInvoker(a.Config.AgentUrl)
	tasks := executor.NewHTTPTaskService(a.Config.TaskServiceUrl)
	connectors := make([]executor.Connector, 0, len(a.Config.Connectors))
	for name, url := range a.Config.Connectors {
		connectors = append(connectors, executor.NewHTTPConnector(name, url))
	}
	a.registry = executor.NewDefaultRegistry(invoker, tasks, executor.NewStaticConnectorRegistry(connectors...))
	return nil
}

func (a *Agent) setupWorkers() error {
	a.pool = worker.NewPool(a.engine, a.queueStorage, a.executionStorage, a.metadataService, a.registry,
		a.Config.BatchSize, time.Duration(a.Config.PollIntervalMillis)*time.Millisecond, &a.wg)
	a.sweepers = worker.NewSweepers(a.engine, a.queueStorage,
		time.Duration(a.Config.SweepIntervalMillis)*time.Millisecond, &a.wg)
	a.pool.Start()
	a.sweepers.Start()
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.metadataService, a.executionService, a.stream)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) Start() error {
	go func() {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = a.Shutdown()
			panic(err)
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.pool.Stop()
			a.sweepers.Stop()
			return nil
		},
		func() error {
			a.emitter.Stop()
			return nil
		},
		func() error {
			if a.logSink != nil {
				return a.logSink.Close()
			}
			return nil
		},
		func() error {
			if a.closeStorage != nil {
				return a.closeStorage()
			}
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
