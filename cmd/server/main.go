package main

import (
	"context"
	"time"

	"helpdesk/internal/config"
	"helpdesk/internal/database"
	"helpdesk/internal/embeddings"
	"helpdesk/internal/jobs"
	"helpdesk/internal/llm"
	"helpdesk/internal/metadata"
	"helpdesk/internal/realtime"
	"helpdesk/internal/responder"
	"helpdesk/internal/server"
	"helpdesk/internal/tools"
)

func main() {
	cfg := config.Load()
	logger := cfg.SetupLogger()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.CreateTables(ctx, db); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("Schema bootstrap failed")
	}
	cancel()

	var rt realtime.Publisher = realtime.NopPublisher{}
	var enq jobs.Enqueuer = jobs.NopEnqueuer{}
	if cfg.AMQPURL != "" {
		amqpRealtime, err := realtime.NewAMQPPublisher(cfg.AMQPURL, cfg.RealtimeEchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Realtime publisher setup failed")
		}
		defer amqpRealtime.Close()
		rt = amqpRealtime

		amqpJobs, err := jobs.NewPublisher(cfg.AMQPURL, cfg.JobsExchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Jobs publisher setup failed")
		}
		defer amqpJobs.Close()
		enq = amqpJobs
	} else {
		logger.Warn().Msg("AMQP_URL not set, realtime events and background jobs are disabled")
	}

	store := database.NewStore(db, rt, enq, logger)
	client := llm.NewClient(cfg, store, logger)
	retriever := embeddings.NewRetriever(db, client, logger)
	metadataClient := metadata.NewClient(logger)
	registry := tools.NewRegistry(store, retriever, metadataClient, logger)
	rsp := responder.New(store, client, retriever, registry, metadataClient, cfg, logger)

	srv := server.New(cfg, store, rsp, logger)
	srv.Initialize()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed to start")
	}
}
