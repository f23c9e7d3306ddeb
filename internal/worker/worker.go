package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"pterobot/internal/auth"
	"pterobot/internal/dispatch"
	"pterobot/internal/metrics"
	"pterobot/internal/panel"
	"pterobot/internal/queue"
)

// Worker drains the provisioning queue. Server creation chains several panel
// calls, so it runs here rather than inline in the update handler; the user
// gets the outcome as a reply once the job settles.
type Worker struct {
	bot           *gotgbot.Bot
	auth          *auth.Service
	dispatcher    *dispatch.Dispatcher
	queue         *queue.StreamQueue
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Bot           *gotgbot.Bot
	Auth          *auth.Service
	Dispatcher    *dispatch.Dispatcher
	Queue         *queue.StreamQueue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		bot:           cfg.Bot,
		auth:          cfg.Auth,
		dispatcher:    cfg.Dispatcher,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			_ = w.sendReply(ctx, msg.Job.ChatID, msg.Job.MessageID, "Server creation failed. The panel did not respond; please try again later.")
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// processJob runs one creation. Permanent failures (unbound user, bad
// parameters, empty catalogs) get reported to the user and are not retried;
// only transient panel failures bubble up for the retry path.
func (w *Worker) processJob(ctx context.Context, job queue.CreateJob) error {
	sess, err := w.auth.RequireBound(ctx, job.ChatUserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotBound) {
			_ = w.sendReply(ctx, job.ChatID, job.MessageID, "Your account is no longer bound. Use /bind and try again.")
			return nil
		}
		return fmt.Errorf("resolve binding: %w", err)
	}

	created, err := w.dispatcher.ExecuteCreate(ctx, sess, dispatch.CreateSpec{
		Name:        job.Name,
		Description: job.Description,
		EggID:       job.EggID,
		MemoryMB:    job.MemoryMB,
		DiskMB:      job.DiskMB,
		CPUPercent:  job.CPUPercent,
		LocationID:  job.LocationID,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNoServerTypes):
			_ = w.sendReply(ctx, job.ChatID, job.MessageID, "No server types are available on the panel right now.")
			return nil
		case errors.Is(err, dispatch.ErrNoNodes):
			_ = w.sendReply(ctx, job.ChatID, job.MessageID, "No nodes are available on the panel right now.")
			return nil
		case errors.Is(err, panel.ErrValidation):
			var perr *panel.Error
			detail := "the panel rejected the parameters"
			if errors.As(err, &perr) && perr.Detail != "" {
				detail = perr.Detail
			}
			_ = w.sendReply(ctx, job.ChatID, job.MessageID, "Server creation rejected: "+detail)
			return nil
		case errors.Is(err, panel.ErrInvalidCredential), errors.Is(err, panel.ErrNotFound):
			_ = w.sendReply(ctx, job.ChatID, job.MessageID, "Server creation failed: "+err.Error())
			return nil
		}
		return fmt.Errorf("create server: %w", err)
	}

	text := fmt.Sprintf("Server %q created (%s). It is installing now; use /servers to watch its status.", created.Name, created.UUID)
	return w.sendReply(ctx, job.ChatID, job.MessageID, text)
}

func (w *Worker) sendReply(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	_, err := w.bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}
