package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/chatcore/internal/config"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/store/rabbitmq"
	"github.com/suPer8Hu/chatcore/internal/store/redisstore"
)

const (
	maxRetries = 3
	retryDelay = 5 * time.Second
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	counters, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal("redis connect", "addr", cfg.RedisAddr, "error", err)
	}
	defer counters.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", "error", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", "error", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", "error", err)
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", "error", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// a channel is not safe for concurrent publishes
	var pubMu sync.Mutex
	retry := func(ctx context.Context, d amqp.Delivery, attempt int) error {
		pubMu.Lock()
		defer pubMu.Unlock()
		return rabbitmq.PublishRetry(ctx, ch, cfg.RabbitQueue, d, attempt, retryDelay)
	}

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker", workerID)
			for d := range jobs {
				job, err := rabbitmq.DecodeUnread(d.Body)
				if err != nil {
					wlog.Warn("bad message", "error", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				n, err := counters.IncrUnread(ctx, job.ConversationID, job.RecipientID)
				if err != nil {
					handleFailure(ctx, wlog, d, job, err, retry)
					continue
				}
				if err := d.Ack(false); err != nil {
					wlog.Warn("ack failed", "message_id", job.MessageID, "error", err)
					continue
				}
				wlog.Debug("unread counted",
					"conversation_id", job.ConversationID,
					"recipient_id", job.RecipientID,
					"unread", n,
					"cost", time.Since(start),
				)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleFailure parks the delivery on the retry queue, or dead-letters it
// once the retry budget is spent.
func handleFailure(ctx context.Context, log *logger.Logger, d amqp.Delivery, job rabbitmq.UnreadJob, cause error,
	retry func(context.Context, amqp.Delivery, int) error) {
	attempt := rabbitmq.RetryCount(d.Headers) + 1
	if attempt > maxRetries {
		log.Error("unread job dead-lettered", "message_id", job.MessageID, "attempts", attempt-1, "error", cause)
		_ = d.Nack(false, false)
		return
	}
	if err := retry(ctx, d, attempt); err != nil {
		log.Error("schedule retry", "message_id", job.MessageID, "error", err)
		_ = d.Nack(false, false)
		return
	}
	log.Warn("unread job retry scheduled", "message_id", job.MessageID, "attempt", attempt, "error", cause)
	_ = d.Ack(false)
}
