package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"hakichat/internal/metrics"
	"hakichat/internal/queue"
	"hakichat/internal/telegram"
	"hakichat/internal/transport"
	"hakichat/internal/widget"
)

const (
	maxReplyRunes = 4000
	reclaimBatch  = 10
)

// Sender delivers replies to Telegram; *gotgbot.Bot implements it.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// SessionPointer records the session a chat continues in; *telegram.SessionStore implements it.
type SessionPointer interface {
	Set(ctx context.Context, chatID, userID int64, sessionID string) error
}

type Worker struct {
	sender        Sender
	queue         *queue.StreamQueue
	generator     transport.Generator
	history       widget.History
	sessions      SessionPointer
	maxJobRetries int
	reclaimIdle   time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Sender        Sender
	Queue         *queue.StreamQueue
	Generator     transport.Generator
	History       widget.History
	Sessions      SessionPointer
	MaxJobRetries int
	// ReclaimIdle is how long a job may sit unacked with another consumer before
	// this worker takes it over. Zero disables reclaiming.
	ReclaimIdle time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
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
		sender:        cfg.Sender,
		queue:         cfg.Queue,
		generator:     cfg.Generator,
		history:       cfg.History,
		sessions:      cfg.Sessions,
		maxJobRetries: cfg.MaxJobRetries,
		reclaimIdle:   cfg.ReclaimIdle,
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
	var lastReclaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		if slot == 0 && w.reclaimIdle > 0 && time.Since(lastReclaim) >= w.reclaimIdle {
			lastReclaim = time.Now()
			stale, err := w.queue.Reclaim(ctx, w.reclaimIdle, reclaimBatch)
			if err != nil {
				log.Warn().Err(err).Msg("failed to reclaim stale jobs")
			}
			for _, msg := range stale {
				log.Info().Str("job_id", msg.Job.JobID).Msg("reclaimed stale job")
				w.handle(ctx, log, msg)
			}
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
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle processes one message and acks it, re-enqueueing failed jobs until retries run out.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}
	if ctx.Err() != nil {
		// Left pending so another consumer can reclaim it.
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	_ = w.send(ctx, msg.Job.ChatID, msg.Job.MessageID, transport.FallbackReply)
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob answers one question inside the user's current session. A failed reply from
// the chat endpoint is still delivered: the widget has already replaced it with the fallback text.
func (w *Worker) processJob(ctx context.Context, job queue.AskJob) error {
	conv := widget.New(widget.Config{
		Generator: w.generator,
		History:   w.history,
		Logger:    w.logger.With().Str("job_id", job.JobID).Logger(),
		Metrics:   w.metrics,
		UserID:    telegram.UserKey(job.UserID),
	})
	if job.SessionID != "" {
		if err := conv.LoadSession(ctx, job.SessionID); err != nil {
			return fmt.Errorf("load session: %w", err)
		}
	}

	reply, err := conv.Submit(ctx, job.Prompt)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if sid := conv.SessionID(); sid != "" && sid != job.SessionID && w.sessions != nil {
		if err := w.sessions.Set(ctx, job.ChatID, job.UserID, sid); err != nil {
			w.logger.Warn().Err(err).Int64("chat_id", job.ChatID).Msg("failed to remember current session")
		}
	}

	if err := w.send(ctx, job.ChatID, job.MessageID, reply.Content); err != nil {
		return fmt.Errorf("send telegram response: %w", err)
	}
	return nil
}

func (w *Worker) send(ctx context.Context, chatID, replyTo int64, text string) error {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxReplyRunes {
		text = string(r[:maxReplyRunes])
	}
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	_, err := w.sender.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}
