package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisJobQueue, context.Context) {
	t.Helper()

	srv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       srv.Addr(),
		Stream:     "ingest:jobs",
		Group:      "ingest-workers",
		Consumer:   "worker-a",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisJobQueue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

// claimOne enqueues a job and reads it into the group so the message is
// pending on the given consumer.
func claimOne(t *testing.T, q *RedisJobQueue, ctx context.Context, consumer string) (string, JobStatus) {
	t.Helper()

	job, err := q.Enqueue(ctx, "sujet:S1", "https://files.campus.example/sujets/S1.pdf", "Division cellulaire")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("want exactly one claimed message, got %+v", streams)
	}
	return streams[0].Messages[0].ID, job
}

func pendingCount(t *testing.T, q *RedisJobQueue, ctx context.Context) int64 {
	t.Helper()
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	return pending.Count
}

func TestEnqueueTracksJobStatus(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "livre:L7", "", "Les fonctions affines")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.ID == "" || job.Status != StatusQueued {
		t.Fatalf("want a queued job with an id, got %+v", job)
	}

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if got.Owner != "livre:L7" || got.Title != "Les fonctions affines" || got.Status != StatusQueued {
		t.Fatalf("status record does not match enqueued job: %+v", got)
	}

	if _, ok, err := q.GetJob(ctx, "inconnu"); err != nil || ok {
		t.Fatalf("unknown job id: ok=%v err=%v", ok, err)
	}
}

func TestRequeueAndAckMovesMessageAtomically(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, job := claimOne(t, q, ctx, "worker-a")

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeueAndAck: %v", err)
	}
	if n := pendingCount(t, q, ctx); n != 0 {
		t.Fatalf("old message still pending after requeue, count=%d", n)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "worker-b",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("want the requeued message back, got %+v", streams)
	}
	v := streams[0].Messages[0].Values
	if v["job_id"] != job.ID || v["owner"] != job.Owner || v["source_url"] != job.SourceURL || v["title"] != job.Title {
		t.Fatalf("requeued payload drifted: %+v", v)
	}
}

func TestRequeueAndAckLeavesMessagePendingOnFailure(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, job := claimOne(t, q, ctx, "worker-a")

	dead, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(dead, msgID, job); err == nil {
		t.Fatal("requeueAndAck on a canceled context should fail")
	}

	if n := pendingCount(t, q, ctx); n != 1 {
		t.Fatalf("original message should stay pending for reclaim, count=%d", n)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("failed requeue must not duplicate the message, len=%d", streamLen)
	}
}
