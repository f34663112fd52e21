package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/cdcflow/pkg/checkpoint"
	"github.com/cuemby/cdcflow/pkg/config"
	"github.com/cuemby/cdcflow/pkg/ha"
	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/cuemby/cdcflow/pkg/queue"
	"github.com/cuemby/cdcflow/pkg/source"
	"github.com/cuemby/cdcflow/pkg/source/connectsource"
	"github.com/cuemby/cdcflow/pkg/source/logicalsource"
	"github.com/cuemby/cdcflow/pkg/sourcemanager"
	"github.com/cuemby/cdcflow/pkg/sync"
	"github.com/cuemby/cdcflow/pkg/task"
	"github.com/cuemby/cdcflow/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync coordinator: sources, task manager, worker pool, health loop",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringP("config", "c", "cdcflow.yaml", "Path to the cdcflow YAML configuration file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := cmd.Flags().GetString("config")
	root, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("cdcflow: load config: %w", err)
	}

	mode, err := root.SyncMode()
	if err != nil {
		return err
	}

	haNode, err := buildHA(root.HA)
	if err != nil {
		return err
	}
	isLeader := true
	if haNode != nil {
		defer haNode.Shutdown()
		log.Info("waiting for raft leader election before deciding capture ownership")
		if err := haNode.WaitForLeader(30 * time.Second); err != nil {
			return fmt.Errorf("cdcflow: wait for leader: %w", err)
		}
		isLeader = haNode.IsLeader()
		if !isLeader {
			log.Info("not the elected leader, running in standby mode (no source capture)")
		}
	}

	checkpointStore, err := checkpoint.NewBoltStore(root.Checkpoint.DataDir)
	if err != nil {
		return fmt.Errorf("cdcflow: checkpoint store: %w", err)
	}
	defer checkpointStore.Close()

	var sources []source.Source
	if isLeader {
		sources, err = buildSources(root)
		if err != nil {
			return err
		}
	}

	sourceMgr := sourcemanager.New(sources...)

	backendKind, err := root.Task.BackendKind()
	if err != nil {
		return err
	}

	backends, redisClient, brokerClient, err := buildTaskBackends(root)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	if brokerClient != nil {
		defer brokerClient.Close()
	}

	taskMgr, err := task.NewManager(task.Config{
		DefaultBackend:     backendKind,
		MaxConcurrentTasks: root.Task.MaxConcurrentTasks,
	}, backends)
	if err != nil {
		return fmt.Errorf("cdcflow: task manager: %w", err)
	}

	var pool *worker.Pool
	if backendKind == task.BackendQueue {
		mainQueue, err := queue.NewRedisQueue(redisClient, queue.Config{
			Name:              sync.TaskDataTransform + "_queue",
			Mode:              queue.ModeFIFO,
			VisibilityTimeout: time.Duration(root.Queue.VisibilityTimeoutSeconds) * time.Second,
			PollInterval:      time.Duration(root.Queue.PollIntervalMS) * time.Millisecond,
			SweepInterval:     time.Duration(root.Queue.SweepIntervalSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("cdcflow: main queue: %w", err)
		}
		pool = worker.New(mainQueue, taskMgr, worker.Config{
			Size:           root.Task.WorkerPoolSize,
			DequeueTimeout: time.Duration(root.Task.DequeueTimeoutSeconds) * time.Second,
		})
	}

	coordinator := sync.New(sync.Config{
		Mode:                    mode,
		HealthCheckInterval:     time.Duration(root.Monitoring.HealthCheckIntervalSeconds) * time.Second,
		TaskFailureRatioWarning: root.Monitoring.TaskFailureRatioWarning,
		MetricsCollectInterval:  time.Duration(root.Monitoring.MetricsCollectIntervalSeconds) * time.Second,
		HTTPAddr:                root.Monitoring.HTTPAddr,
		HighWaterMark:           root.Queue.HighWaterMark,
		Checkpoint:              checkpointStore,
	}, sourceMgr, taskMgr, pool)
	coordinator.RegisterDefaultHandlers()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("cdcflow: start: %w", err)
	}
	log.Info("cdcflow running")

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return coordinator.Stop(stopCtx)
}

func buildHA(cfg config.HAConfig) (*ha.Node, error) {
	if !cfg.Enable {
		return nil, nil
	}
	node, err := ha.New(ha.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
		JoinAddr: cfg.JoinAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("cdcflow: ha node: %w", err)
	}
	return node, nil
}

func buildSources(root *config.Root) ([]source.Source, error) {
	var sources []source.Source

	if root.EnableDebezium {
		for _, d := range root.DebeziumConfigs {
			cfg, err := d.ToSourceConfig()
			if err != nil {
				return nil, err
			}
			sources = append(sources, connectsource.New(cfg))
		}
	}

	if root.EnablePglogical {
		for _, p := range root.PglogicalConfigs {
			cfg, err := p.ToSourceConfig()
			if err != nil {
				return nil, err
			}
			sources = append(sources, logicalsource.New(cfg))
		}
	}

	return sources, nil
}

// buildTaskBackends builds the queue backend when queue.redis_url is set and
// the broker backend when task.celery_broker_url is set, whether or not
// either is root.Task.DefaultBackend, so SubmitOptions.Backend can target
// any backend that was built. The local backend is not built here:
// task.NewManager adds it itself.
func buildTaskBackends(root *config.Root) (map[task.BackendKind]task.Backend, redis.Cmdable, *kgo.Client, error) {
	backends := make(map[task.BackendKind]task.Backend)

	var redisClient redis.Cmdable
	if root.Queue.RedisURL != "" {
		opts, err := redis.ParseURL(root.Queue.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cdcflow: parse redis_url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		backends[task.BackendQueue] = task.NewQueueBackend(func(name string, mode queue.Mode) (queue.Queue, error) {
			return queue.NewRedisQueue(redisClient, queue.Config{
				Name:              name,
				Mode:              mode,
				VisibilityTimeout: time.Duration(root.Queue.VisibilityTimeoutSeconds) * time.Second,
				PollInterval:      time.Duration(root.Queue.PollIntervalMS) * time.Millisecond,
				SweepInterval:     time.Duration(root.Queue.SweepIntervalSeconds) * time.Second,
			})
		})
	}

	var brokerClient *kgo.Client
	if root.Task.CeleryBrokerURL != "" {
		client, err := kgo.NewClient(kgo.SeedBrokers(root.Task.CeleryBrokerURL))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cdcflow: broker task backend client: %w", err)
		}
		brokerClient = client
		backends[task.BackendBroker] = task.NewBrokerBackend(client, root.Task.BrokerTopic)
	}

	return backends, redisClient, brokerClient, nil
}
