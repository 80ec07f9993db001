package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/syntor/agentcore/internal/actor"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
)

// SubmitRequest is the wire form of a task submission. ReplyTo names the
// submitter; the acknowledgment and the result are addressed to it on the
// reply topic, correlated with RequestID when one is given.
type SubmitRequest struct {
	Task      models.Task `json:"task"`
	Boost     int         `json:"boost,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// AnonymousSubmitter addresses replies to requests without a ReplyTo
const AnonymousSubmitter = "anonymous"

// Submitter accepts tasks and reports their outcome; the coordinator
// implements it
type Submitter interface {
	Submit(task models.Task, boost int) (string, error)
	Await(ctx context.Context, taskID string) (models.Task, error)
}

// TaskIntake consumes submission messages and hands them to a Submitter.
// Accepted submissions are acknowledged on the reply topic and followed by
// a task.result envelope once the task finishes. Messages that can never
// be accepted (bad JSON, invalid tasks) are copied to the dead-letter
// topic and committed; a message is left uncommitted only when the
// submitter is shutting down.
type TaskIntake struct {
	config    BusConfig
	reader    messageReader
	writer    messageWriter
	submitter Submitter
	limiter   *rate.Limiter
	logger    logging.Logger
	metrics   metrics.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewTaskIntake creates an intake reading the submit topic
func NewTaskIntake(config BusConfig, submitter Submitter, logger logging.Logger, collector metrics.Collector) *TaskIntake {
	config = config.withDefaults()
	return newTaskIntake(config, newReader(config), newWriter(config), submitter, logger, collector)
}

func newTaskIntake(config BusConfig, r messageReader, w messageWriter, submitter Submitter, logger logging.Logger, collector metrics.Collector) *TaskIntake {
	config = config.withDefaults()
	return &TaskIntake{
		config:    config,
		reader:    r,
		writer:    w,
		submitter: submitter,
		limiter:   newLimiter(config.IntakeRate, config.IntakeBurst),
		logger:    logging.OrGlobal(logger).With(logging.Component("kafka-intake")),
		metrics:   metrics.OrNop(collector),
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Start runs the consume loop until ctx is cancelled or Stop is called
func (i *TaskIntake) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.wg.Add(1)
	go i.consume(ctx)
	i.logger.Info("task intake started",
		logging.String("topic", i.config.Topics.Submit),
		logging.String("reply_topic", i.config.Topics.Reply),
	)
}

// Stop ends the consume loop, abandons pending result replies and closes
// the reader and writer
func (i *TaskIntake) Stop() error {
	var err error
	i.once.Do(func() {
		if i.cancel != nil {
			i.cancel()
		}
		i.wg.Wait()
		err = errors.Join(i.reader.Close(), i.writer.Close())
	})
	return err
}

func (i *TaskIntake) consume(ctx context.Context) {
	defer i.wg.Done()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := i.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				i.logger.Warn("fetch failed", logging.Err(err))
			}
			continue
		}

		if err := i.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Warn("submission left uncommitted", logging.Err(err))
			continue
		}
		if err := i.reader.CommitMessages(ctx, msg); err != nil {
			i.logger.Warn("commit failed, message will be redelivered", logging.Err(err))
		}
	}
}

// handle processes one message. A nil return means the message is done
// with and may be committed.
func (i *TaskIntake) handle(ctx context.Context, msg kafka.Message) error {
	var req SubmitRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		i.count("malformed")
		return i.deadLetter(ctx, msg, fmt.Errorf("decode submission: %w", err))
	}

	if err := i.limiter.Wait(ctx); err != nil {
		return err
	}

	request := req.envelope()
	ctx = logging.WithCorrelationID(ctx, request.CorrelationID)
	logger := i.logger.WithContext(ctx)

	id, err := i.submitter.Submit(req.Task, req.Boost)
	switch {
	case err == nil:
		i.count("submitted")
		logger.Debug("task submitted from broker", logging.TaskID(id), logging.String("type", req.Task.Type))
		ack := request.Acknowledgment()
		ack.Payload = models.AckPayload{Acknowledged: request.ID, TaskID: id}
		if err := i.reply(ctx, ack); err != nil {
			logger.Warn("acknowledgment not delivered", logging.TaskID(id), logging.Err(err))
		}
		i.wg.Add(1)
		go i.awaitResult(logging.WithTaskID(ctx, id), request, id)
		return nil
	case errors.Is(err, actor.ErrClosed):
		i.count("deferred")
		return err
	default:
		i.count("rejected")
		rejection := request.Reply(models.KindTaskRejected, models.RejectionPayload{Reason: err.Error()})
		if rerr := i.reply(ctx, rejection); rerr != nil {
			logger.Warn("rejection not delivered", logging.Err(rerr))
		}
		return i.deadLetter(ctx, msg, err)
	}
}

// awaitResult publishes the outcome of an accepted task to its submitter
func (i *TaskIntake) awaitResult(ctx context.Context, request models.Envelope, taskID string) {
	defer i.wg.Done()
	logger := i.logger.WithContext(ctx)

	task, err := i.submitter.Await(ctx, taskID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("task outcome unavailable", logging.Err(err))
		}
		return
	}

	result := models.TaskResult{TaskID: task.ID, Error: task.LastError}
	if task.Result != nil {
		result = task.Result.Clone()
	}
	if task.Status != models.TaskCompleted {
		result.Success = false
		if result.Error == "" {
			result.Error = string(task.Status)
		}
	}
	if err := i.reply(ctx, request.Reply(models.KindTaskResult, models.ResultPayload{Result: result})); err != nil {
		logger.Warn("result not delivered", logging.Err(err))
		return
	}
	logger.Debug("result replied", logging.String("status", string(task.Status)))
}

// envelope is the request envelope a submission stands for. Replies
// correlate with RequestID when set.
func (r SubmitRequest) envelope() models.Envelope {
	sender := r.ReplyTo
	if sender == "" {
		sender = AnonymousSubmitter
	}
	env := models.NewDirect(sender, models.CoordinatorID, models.KindRequest, nil, r.Task.Priority)
	if r.RequestID != "" {
		env.ID = r.RequestID
	}
	env.CorrelationID = env.ID
	env.Subject = r.Task.Type
	return env
}

func (i *TaskIntake) reply(ctx context.Context, env models.Envelope) error {
	data, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("encode %s reply: %w", env.Kind, err)
	}
	return i.writer.WriteMessages(ctx, kafka.Message{
		Topic: i.config.Topics.Reply,
		Key:   []byte(env.Recipient),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(env.Kind)},
			{Key: HeaderEventID, Value: []byte(env.ID)},
			{Key: HeaderCorrelation, Value: []byte(env.CorrelationID)},
		},
	})
}

func (i *TaskIntake) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	i.logger.Warn("submission dead-lettered",
		logging.Int("partition", msg.Partition),
		logging.Any("offset", msg.Offset),
		logging.Err(cause),
	)
	dl := kafka.Message{
		Topic: i.config.Topics.DeadLetter,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: HeaderSource, Value: []byte(msg.Topic)},
		),
	}
	if err := i.writer.WriteMessages(ctx, dl); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return nil
}

func (i *TaskIntake) count(outcome string) {
	i.metrics.IncrementCounter(metrics.IntakeMessages.Name, metrics.Labels("outcome", outcome))
}
