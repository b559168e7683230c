// The worker consumes the durable job queue: workflow automation for new
// messages, embedding refreshes, outbound email delivery, escalation
// notifications and auto-response generation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"helpdesk/internal/config"
	"helpdesk/internal/database"
	"helpdesk/internal/email"
	"helpdesk/internal/embeddings"
	"helpdesk/internal/jobs"
	"helpdesk/internal/llm"
	"helpdesk/internal/metadata"
	"helpdesk/internal/models"
	"helpdesk/internal/realtime"
	"helpdesk/internal/responder"
	"helpdesk/internal/tools"
	"helpdesk/internal/workflows"
)

type messagePayload struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
}

type emailPayload struct {
	MessageID int64 `json:"messageId"`
}

type escalationPayload struct {
	ConversationID int64  `json:"conversationId"`
	Reason         string `json:"reason"`
}

func main() {
	cfg := config.Load()
	logger := cfg.SetupLogger().With().Str("component", "worker").Logger()

	if cfg.AMQPURL == "" {
		logger.Fatal().Msg("AMQP_URL is required for the worker")
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}

	rt, err := realtime.NewAMQPPublisher(cfg.AMQPURL, cfg.RealtimeEchange, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Realtime publisher setup failed")
	}
	defer rt.Close()

	enq, err := jobs.NewPublisher(cfg.AMQPURL, cfg.JobsExchange, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Jobs publisher setup failed")
	}
	defer enq.Close()

	store := database.NewStore(db, rt, enq, logger)
	client := llm.NewClient(cfg, store, logger)
	retriever := embeddings.NewRetriever(db, client, logger)
	metadataClient := metadata.NewClient(logger)
	registry := tools.NewRegistry(store, retriever, metadataClient, logger)
	rsp := responder.New(store, client, retriever, registry, metadataClient, cfg, logger)
	evaluator := workflows.NewEvaluator(client, cfg.MiniModel, logger)
	engine := workflows.NewEngine(store, rsp, metadataClient, cfg, logger)
	pipeline := workflows.NewPipeline(store, evaluator, engine, logger)
	mailer := email.NewService(cfg.SendGridAPIKey, cfg.SupportEmail, cfg.ReplyFromEmail)

	consumer, err := jobs.NewConsumer(cfg.AMQPURL, cfg.JobsExchange, cfg.JobsQueue, cfg.WorkerCount, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Consumer setup failed")
	}
	defer consumer.Close()

	consumer.Handle(jobs.EventMessageCreated, func(ctx context.Context, body []byte) error {
		var payload messagePayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		return pipeline.RespondToMessage(ctx, payload.ConversationID, payload.MessageID)
	})

	consumer.Handle(jobs.EventEmbeddingCreate, func(ctx context.Context, body []byte) error {
		var payload messagePayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		return retriever.RefreshConversationEmbedding(ctx, payload.ConversationID)
	})

	consumer.Handle(jobs.EventEmailEnqueued, func(ctx context.Context, body []byte) error {
		var payload emailPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		return deliverEmail(ctx, store, mailer, payload.MessageID, logger)
	})

	consumer.Handle(jobs.EventAutoResponseCreate, func(ctx context.Context, body []byte) error {
		var payload messagePayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		conv, err := database.GetConversationByID(ctx, store.DB, payload.ConversationID)
		if err != nil {
			return err
		}
		mailbox, err := database.GetMailboxByID(ctx, store.DB, conv.MailboxID)
		if err != nil {
			return err
		}
		_, err = rsp.GenerateDraftResponse(ctx, mailbox, conv)
		return err
	})

	consumer.Handle(jobs.EventAssigned, func(ctx context.Context, body []byte) error {
		var payload struct {
			ConversationID int64 `json:"conversationId"`
			UserID         int64 `json:"userId"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		// Assignment notifications go to the dashboard's notification feed;
		// delivery there is keyed off this log-structured event.
		logger.Info().
			Int64("conversationId", payload.ConversationID).
			Int64("userId", payload.UserID).
			Msg("conversation assigned")
		return nil
	})

	notifyEscalation := func(ctx context.Context, body []byte) error {
		var payload escalationPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		conv, err := database.GetConversationByID(ctx, store.DB, payload.ConversationID)
		if err != nil {
			return err
		}
		mailbox, err := database.GetMailboxByID(ctx, store.DB, conv.MailboxID)
		if err != nil {
			return err
		}
		return mailer.SendEscalationNotice(mailbox, conv, payload.Reason)
	}
	consumer.Handle(jobs.EventHumanSupportRequested, notifyEscalation)
	consumer.Handle(jobs.EventEscalationCreated, notifyEscalation)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Consumer stopped")
	}
	logger.Info().Msg("worker shut down")
}

// deliverEmail sends one queued message. A message no longer in queueing
// was withdrawn during the undo window and is skipped silently.
func deliverEmail(ctx context.Context, store *database.Store, mailer *email.Service, messageID int64, logger zerolog.Logger) error {
	msg, err := database.GetMessageByID(ctx, store.DB, messageID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}
	if msg.Status == nil || *msg.Status != models.StatusQueueing {
		logger.Debug().Int64("messageId", messageID).Msg("message not queueing, skipping delivery")
		return nil
	}

	conv, err := database.GetConversationByID(ctx, store.DB, msg.ConversationID)
	if err != nil {
		return err
	}
	mailbox, err := database.GetMailboxByID(ctx, store.DB, conv.MailboxID)
	if err != nil {
		return err
	}

	if err := mailer.SendReply(mailbox, conv, msg); err != nil {
		logger.Error().Err(err).Int64("messageId", messageID).Msg("email delivery failed")
		return store.InTx(ctx, func(tx *sqlx.Tx, _ *database.Outbox) error {
			return database.SetMessageStatus(ctx, tx, messageID, models.StatusFailed)
		})
	}

	return store.InTx(ctx, func(tx *sqlx.Tx, _ *database.Outbox) error {
		return database.SetMessageStatus(ctx, tx, messageID, models.StatusSent)
	})
}
