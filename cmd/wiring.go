package cmd

import (
	"fmt"

	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/Afsalkalladi/platformioemlock/internal/infrastructure"
)

func openDatabase() (*infrastructure.Database, error) {
	logger.WithField("driver", cfg.Database.Driver).Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// newCommandService wires the command service with its optional Redis memo
// and Service Bus publisher. closeFn releases whatever was opened.
func newCommandService(repo core.Repository) (svc *core.CommandService, closeFn func(), err error) {
	var closers []func()
	closeFn = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var cache *infrastructure.Cache
	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err = infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
			cache = nil
		} else {
			closers = append(closers, func() { cache.Close() })
		}
	}

	memo, err := infrastructure.NewKnownDevices(cfg.Commands.KnownDevices, cache, logger)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to create device memo: %w", err)
	}

	svc = core.NewCommandService(repo, memo, logger)

	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			svc.SetPublisher(messaging)
			closers = append(closers, func() { messaging.Close() })
		}
	}

	return svc, closeFn, nil
}

// startBridge connects the MQTT bridge and attaches it as the command
// notifier. ingest, when non-nil, also consumes acks and heartbeats.
func startBridge(commands *core.CommandService, ingest *core.IngestService) (*infrastructure.MQTTBridge, error) {
	bridge, err := infrastructure.NewMQTTBridge(cfg.MQTT, logger)
	if err != nil {
		return nil, err
	}
	if ingest != nil {
		bridge.RegisterHandler(infrastructure.MessageAck, ingest.HandleAck)
		bridge.RegisterHandler(infrastructure.MessageHealth, ingest.HandleHeartbeat)
	}
	if err := bridge.Start(); err != nil {
		return nil, err
	}
	commands.SetNotifier(bridge)
	return bridge, nil
}
