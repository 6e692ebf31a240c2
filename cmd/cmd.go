// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/sensebox/box-integration-bridge/adapter"
	"github.com/sensebox/box-integration-bridge/adapter/dummy"
	"github.com/sensebox/box-integration-bridge/adapter/mqtt"
	"github.com/sensebox/box-integration-bridge/api"
	"github.com/sensebox/box-integration-bridge/coordinator"
	"github.com/sensebox/box-integration-bridge/ingest"
	"github.com/sensebox/box-integration-bridge/ingest/amqp"
	"github.com/sensebox/box-integration-bridge/ingest/kafka"
	"github.com/sensebox/box-integration-bridge/ingest/socketio"
	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/middleware/blacklist"
	"github.com/sensebox/box-integration-bridge/middleware/deduplicate"
	"github.com/sensebox/box-integration-bridge/middleware/ratelimit"
	"github.com/sensebox/box-integration-bridge/registry"
	"github.com/sensebox/box-integration-bridge/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// ShutdownTimeout bounds the time spent disconnecting all boxes on shutdown
var ShutdownTimeout = 30 * time.Second

// BridgeCmd is the main command that is executed when running box-integration-bridge
var BridgeCmd = &cobra.Command{
	Use:   "box-integration-bridge",
	Short: "senseBox MQTT integration bridge",
	Long:  `box-integration-bridge connects senseBoxes to the MQTT brokers in their integration configuration and ingests their readings`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}
		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
	},
	Run: runBridge,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

func runBridge(cmd *cobra.Command, args []string) {
	logger := ctx.WithField("ID", config.GetString("id"))

	// Set up Redis
	var redisClient *redis.Client
	var backend store.Backend
	if config.GetBool("redis") {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		})
		logger.Info("Initializing Redis box store")
		backend = store.NewRedis(redisClient, "")
	} else {
		logger.Info("Initializing Memory box store")
		backend = store.NewMemory()
	}
	boxes := store.New(logger, backend)

	connections := registry.New()
	var previous []string
	if redisClient != nil {
		logger.Info("Initializing Redis connection state")
		previous = connections.InitRedisState(redisClient, "")
	}

	// Set up the ingestion pipeline
	var chain middleware.Chain
	if lists := list("blacklist"); len(lists) > 0 {
		logger.WithField("Lists", lists).Info("Initializing blacklist")
		bl, err := blacklist.NewBlacklist(lists...)
		if err != nil {
			logger.WithError(err).Fatal("Could not initialize blacklist")
		}
		defer bl.Close()
		chain = append(chain, bl)
	}
	if readings := config.GetInt("ratelimit-readings"); readings > 0 {
		limits := ratelimit.Limits{Readings: readings}
		if redisClient != nil {
			chain = append(chain, ratelimit.NewRedisRateLimit(redisClient, limits))
		} else {
			chain = append(chain, ratelimit.NewRateLimit(limits))
		}
	}
	if config.GetBool("deduplicate") {
		chain = append(chain, deduplicate.NewDeduplicate())
	}
	pipeline := ingest.NewPipeline(logger, chain, ingest.NewLog(logger))

	for _, amqpBroker := range list("amqp") {
		conf, err := amqpConfig(amqpBroker)
		if err != nil {
			logger.WithError(err).Warnf("Could not parse AMQP broker %s", amqpBroker)
			continue
		}
		logger.WithField("Username", conf.Username).WithField("Address", conf.Address).Info("Initializing AMQP")
		sink, err := amqp.New(conf, logger)
		if err != nil {
			logger.WithError(err).Warnf("Could not initialize AMQP broker %s", amqpBroker)
			continue
		}
		if err := sink.Connect(); err != nil {
			logger.WithError(err).Warnf("Could not connect to AMQP broker %s", amqpBroker)
			continue
		}
		defer sink.Disconnect()
		pipeline.AddSink(sink)
	}

	if kafkaBrokers := list("kafka"); len(kafkaBrokers) > 0 {
		logger.WithField("Brokers", kafkaBrokers).Info("Initializing Kafka")
		sink, err := kafka.New(kafka.Config{
			Brokers: kafkaBrokers,
			Topic:   config.GetString("kafka-topic"),
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Could not initialize Kafka")
		} else {
			defer sink.Close()
			pipeline.AddSink(sink)
		}
	}

	var debugServer *socketio.Server
	if addr := config.GetString("socketio-address"); addr != "" {
		var err error
		debugServer, err = socketio.NewServer(logger, addr)
		if err != nil {
			logger.WithError(err).Fatal("Could not initialize Socket.IO server")
		}
		go debugServer.Listen()
		pipeline.AddSink(debugServer)
	}

	// Set up the adapter
	var a adapter.Adapter
	switch name := config.GetString("adapter"); name {
	case "mqtt":
		if size := config.GetInt("buffer-size"); size > 0 {
			mqtt.BufferSize = size
		}
		a = mqtt.New(logger, pipeline)
	case "dummy":
		a = dummy.New(logger, pipeline)
	default:
		logger.Fatalf("Unknown adapter %s", name)
	}

	// Start the coordinator before the boxes file, so that its events are consumed
	c := coordinator.New(logger, a, connections, boxes, coordinatorConfig())
	if debugServer != nil {
		c.AddObserver(debugServer)
	}
	c.Start(boxes.Subscribe())
	logger.Info("Coordinator started")

	if boxesFile := config.GetString("boxes-file"); boxesFile != "" {
		fileSource, err := store.NewFileSource(logger, boxes, boxesFile)
		if err != nil {
			logger.WithError(err).Fatal("Could not load boxes file")
		}
		defer fileSource.Close()
	}
	c.Recover(previous)

	server := &http.Server{
		Addr:    config.GetString("http-address"),
		Handler: api.New(logger, boxes, connections).Handler(),
	}
	go func() {
		logger.Infof("HTTP API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Could not serve HTTP API")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	logger.WithField("signal", <-sigChan).Info("signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Could not shut down HTTP API")
	}
	if err := c.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Could not disconnect all boxes")
	}
	time.Sleep(100 * time.Millisecond)
}

func init() {
	BridgeCmd.Flags().String("log-file", "", "Location of the log file")
	BridgeCmd.Flags().Bool("debug", false, "Log debug messages")

	BridgeCmd.Flags().String("http-address", ":8000", "Address of the HTTP API")

	BridgeCmd.Flags().Bool("redis", false, "Use Redis box store and connection state")
	BridgeCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	BridgeCmd.Flags().String("redis-password", "", "Redis password")
	BridgeCmd.Flags().Int("redis-db", 0, "Redis database")

	BridgeCmd.Flags().String("boxes-file", "", "Location of a YAML file with boxes to load and watch")

	BridgeCmd.Flags().String("adapter", "mqtt", "Adapter to connect boxes with (mqtt or dummy)")
	BridgeCmd.Flags().Duration("connect-timeout", coordinator.DefaultConnectTimeout, "Timeout of a connect to a broker")
	BridgeCmd.Flags().Duration("disconnect-timeout", coordinator.DefaultDisconnectTimeout, "Timeout of a disconnect from a broker")
	BridgeCmd.Flags().Duration("reconcile-interval", coordinator.DefaultReconcileInterval, "Interval of the reconciliation sweep (0 to disable)")
	BridgeCmd.Flags().Int("buffer-size", mqtt.BufferSize, "Number of messages buffered per connection")

	BridgeCmd.Flags().StringSlice("amqp", []string{"disable"}, "AMQP Broker to publish readings to as user:pass@host:port (disable with \"disable\")")
	BridgeCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP exchange to publish readings to")
	BridgeCmd.Flags().StringSlice("kafka", []string{"disable"}, "Kafka brokers to publish readings to (disable with \"disable\")")
	BridgeCmd.Flags().String("kafka-topic", kafka.DefaultTopic, "Kafka topic to publish readings to")
	BridgeCmd.Flags().String("socketio-address", "", "Address of the Socket.IO debug server (disabled when empty)")

	BridgeCmd.Flags().StringSlice("blacklist", nil, "Blacklists of boxes and topics to drop readings from (YAML files or URLs)")
	BridgeCmd.Flags().Int("ratelimit-readings", 0, "Maximum number of readings per box per minute (0 to disable)")
	BridgeCmd.Flags().Bool("deduplicate", false, "Drop readings that repeat the previous reading of a box")

	viper.BindPFlags(BridgeCmd.Flags())
}
