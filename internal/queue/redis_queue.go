// Package queue implements the job queue: Postgres owns the job rows,
// Redis coordinates which worker runs what. Ready sets are sorted by
// (priority, enqueue sequence) so lower priority values dispatch first
// with FIFO tie-breaking.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	cronlib "github.com/robfig/cron/v3"

	"workflow-automation/internal/config"
	"workflow-automation/internal/models"
	"workflow-automation/internal/telemetry"
)

// JobStore is the persistence side of the queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobActive(ctx context.Context, id string) error
	MarkJobCompleted(ctx context.Context, id string) error
	RequeueJob(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error
	MarkJobFailed(ctx context.Context, id string, attempts int, lastErr string) error
	ResetJobForRecurrence(ctx context.Context, id string, runAt time.Time) error
}

// Options tunes a single job on enqueue.
type Options struct {
	// Priority orders dispatch: lower values go first, and zero is a
	// legal "front of the queue" value. Nil means the default of 100.
	Priority    *int
	MaxAttempts int
	RunAt       time.Time // zero means now
}

const defaultPriority = 100

func (o Options) priority() int {
	if o.Priority != nil {
		return *o.Priority
	}
	return defaultPriority
}

// Queue coordinates ready, scheduled, and in-flight job sets in Redis.
type Queue struct {
	client        *redis.Client
	jobs          JobStore
	visibilityTTL time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	maxAttempts   int

	inflightKey  string
	scheduledKey string
	seqKey       string
	dlqKey       string
	metaPrefix   string
}

// repeatParser accepts the same expressions as the scheduler.
var repeatParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// New builds a queue client from config.
func New(cfg config.Config, jobs JobStore) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, jobs, cfg)
}

// NewWithClient is used by tests to run against miniredis.
func NewWithClient(client *redis.Client, jobs JobStore, cfg config.Config) *Queue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	backoffBase := cfg.BackoffInitial
	if backoffBase == 0 {
		backoffBase = 2 * time.Second
	}
	backoffMax := cfg.BackoffMax
	if backoffMax == 0 {
		backoffMax = 5 * time.Minute
	}
	return &Queue{
		client:        client,
		jobs:          jobs,
		visibilityTTL: visibility,
		backoffBase:   backoffBase,
		backoffMax:    backoffMax,
		maxAttempts:   maxAttempts,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		seqKey:        "queue:seq",
		dlqKey:        "queue:dlq",
		metaPrefix:    "queue:jobmeta:",
	}
}

func (q *Queue) readyKey(queue string) string {
	return fmt.Sprintf("queue:ready:%s", queue)
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// readyScore orders the ready set: priority dominates, the enqueue
// sequence breaks ties FIFO. Priorities are expected to stay well under
// 1e3 so the combined score fits float64 precision.
func readyScore(priority int, seq int64) float64 {
	return float64(priority)*1e12 + float64(seq)
}

// AddJob persists a job row and makes it claimable (immediately or at
// opts.RunAt). Returns the job id.
func (q *Queue) AddJob(ctx context.Context, queueName, jobType string, payload map[string]any, opts Options) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.maxAttempts
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	job := models.Job{
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.priority(),
		MaxAttempts: opts.MaxAttempts,
		Status:      models.JobQueued,
		ScheduledAt: runAt,
	}
	if err := q.jobs.CreateJob(ctx, &job); err != nil {
		return "", err
	}
	if err := q.push(ctx, job.ID, queueName, job.Priority, runAt); err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.Inc()
	return job.ID, nil
}

// AddRepeatedJob enqueues a job that re-schedules itself on successful
// completion according to a cron expression. This runs independently of
// the workflow scheduler, as redundancy for recurring maintenance work.
func (q *Queue) AddRepeatedJob(ctx context.Context, queueName, jobType string, payload map[string]any, expression string, opts Options) (string, error) {
	sched, err := repeatParser.Parse(expression)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidRecurrence, err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.maxAttempts
	}
	runAt := sched.Next(time.Now().UTC())

	job := models.Job{
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.priority(),
		MaxAttempts: opts.MaxAttempts,
		Status:      models.JobQueued,
		Recurrence:  expression,
		ScheduledAt: runAt,
	}
	if err := q.jobs.CreateJob(ctx, &job); err != nil {
		return "", err
	}
	if err := q.push(ctx, job.ID, queueName, job.Priority, runAt); err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.Inc()
	return job.ID, nil
}

// push records queue/priority meta and places the id in either the
// scheduled set or the ready set.
func (q *Queue) push(ctx context.Context, jobID, queueName string, priority int, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "queue", queueName, "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
		_, err := pipe.Exec(ctx)
		return err
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return err
	}
	pipe.ZAdd(ctx, q.readyKey(queueName), redis.Z{Score: readyScore(priority, seq), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// Claim atomically pops the best ready job for a queue and leases it.
// At most one caller receives any given job; the Lua script moves the id
// from ready to in-flight in one Redis round trip.
func (q *Queue) Claim(ctx context.Context, queueName string) (models.Job, bool, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(queueName), q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		// Row is gone; drop the orphaned lease.
		_ = q.ack(ctx, jobID)
		return models.Job{}, false, err
	}
	if job.Status != models.JobQueued {
		_ = q.ack(ctx, jobID)
		return models.Job{}, false, nil
	}
	if err := q.jobs.MarkJobActive(ctx, jobID); err != nil {
		return models.Job{}, false, err
	}
	job.Status = models.JobActive
	telemetry.InFlightGauge.Inc()
	return job, true, nil
}

// Complete acknowledges a finished job. Repeated jobs are rewound and
// re-scheduled at their next occurrence instead of being retired.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	telemetry.InFlightGauge.Dec()

	if job.Recurrence != "" {
		sched, err := repeatParser.Parse(job.Recurrence)
		if err != nil {
			// Expression rotted since enqueue; retire the job rather than
			// loop forever.
			_ = q.ack(ctx, jobID)
			return q.jobs.MarkJobFailed(ctx, jobID, job.Attempts, fmt.Sprintf("recurrence invalid: %v", err))
		}
		next := sched.Next(time.Now().UTC())
		if err := q.client.ZRem(ctx, q.inflightKey, jobID).Err(); err != nil {
			return err
		}
		if err := q.jobs.ResetJobForRecurrence(ctx, jobID, next); err != nil {
			return err
		}
		return q.push(ctx, jobID, job.Queue, job.Priority, next)
	}

	if err := q.ack(ctx, jobID); err != nil {
		return err
	}
	return q.jobs.MarkJobCompleted(ctx, jobID)
}

// Fail records a failed attempt. Below max_attempts the job is
// re-scheduled with jittered exponential backoff; at the limit it moves
// to the terminal failed state and the DLQ for out-of-band inspection.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	telemetry.InFlightGauge.Dec()

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if err := q.ack(ctx, jobID); err != nil {
			return err
		}
		if err := q.jobs.MarkJobFailed(ctx, jobID, attempts, jobErr.Error()); err != nil {
			return err
		}
		telemetry.JobsDeadLettered.Inc()
		return q.client.RPush(ctx, q.dlqKey, jobID).Err()
	}

	nextRun := time.Now().Add(backoffWithJitter(q.backoffBase, q.backoffMax, attempts))
	if err := q.jobs.RequeueJob(ctx, jobID, attempts, nextRun, jobErr.Error()); err != nil {
		return err
	}
	if err := q.client.ZRem(ctx, q.inflightKey, jobID).Err(); err != nil {
		return err
	}
	return q.push(ctx, jobID, job.Queue, job.Priority, nextRun)
}

// PromoteScheduled moves due scheduled jobs into their ready sets.
// Returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		queueName, priority := q.meta(ctx, id)
		seq, err := q.client.Incr(ctx, q.seqKey).Result()
		if err != nil {
			return 0, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.ZAdd(ctx, q.readyKey(queueName), redis.Z{Score: readyScore(priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose visibility deadline passed,
// putting the ids back in their ready sets. Returns the reclaimed ids so
// the caller can reset their rows.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		queueName, priority := q.meta(ctx, id)
		seq, err := q.client.Incr(ctx, q.seqKey).Result()
		if err != nil {
			return nil, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.readyKey(queueName), redis.Z{Score: readyScore(priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ExtendLease pushes the visibility deadline forward for a long step.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Cancel removes a job from every coordination set. The caller is
// responsible for the row's terminal status.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	queueName, _ := q.meta(ctx, jobID)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey(queueName), jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total size of the ready sets for the known
// queues.
func (q *Queue) ReadyDepth(ctx context.Context, queues ...string) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(queues))
	for _, name := range queues {
		cmds = append(cmds, pipe.ZCard(ctx, q.readyKey(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// ack drops a job from in-flight tracking and removes its meta record.
func (q *Queue) ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// meta reads a job's queue/priority meta, falling back to defaults if the
// record expired.
func (q *Queue) meta(ctx context.Context, jobID string) (string, int) {
	vals, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil || len(vals) == 0 {
		return models.QueueWorkflows, defaultPriority
	}
	queueName := vals["queue"]
	if queueName == "" {
		queueName = models.QueueWorkflows
	}
	priority := defaultPriority
	if p := vals["priority"]; p != "" {
		if _, err := fmt.Sscanf(p, "%d", &priority); err != nil {
			priority = defaultPriority
		}
	}
	return queueName, priority
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := base << (attempt - 1)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

var claimScript = redis.NewScript(`
local id = redis.call('ZRANGE', KEYS[1], 0, 0)
if #id == 0 then
  return nil
end
redis.call('ZREM', KEYS[1], id[1])
redis.call('ZADD', KEYS[2], ARGV[1], id[1])
return id[1]
`)
