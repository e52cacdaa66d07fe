package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

func TestLogSink(t *testing.T) {
	log := logger.NewTestLogger()
	NewLogSink(log).Emit(context.Background(), New(UploadAccepted, "t1", "d1", "pd1", "accepted scan.pdf"))

	entries := log.GetEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "events", entries[0].Logger)
}

func TestCloudEventsSink(t *testing.T) {
	type received struct {
		ceType, tenant string
		body           Event
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var e Event
		_ = json.Unmarshal(raw, &e)
		got <- received{ceType: r.Header.Get("Ce-Type"), tenant: r.Header.Get("Ce-Tenantid"), body: e}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	log := logger.NewTestLogger()
	sink, err := NewCloudEventsSink(srv.URL, "ingest-test", log)
	require.NoError(t, err)
	sink.Emit(context.Background(), New(TerminalState, "t1", "d1", "pd1", "COMPLETED"))

	select {
	case r := <-got:
		assert.Equal(t, "com.ingest.pipeline.terminal_state", r.ceType)
		assert.Equal(t, "t1", r.tenant)
		assert.Equal(t, "pd1", r.body.ProcessingDocumentID)
	case <-time.After(5 * time.Second):
		t.Fatal("cloud event not delivered")
	}
	assert.Empty(t, log.Messages("WARN"))
}

func TestCloudEventsSink_FailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	log := logger.NewTestLogger()
	sink, err := NewCloudEventsSink(srv.URL, "ingest-test", log)
	require.NoError(t, err)
	sink.Emit(context.Background(), New(StageTransition, "t1", "d1", "pd1", "QUEUED -> EXTRACTING"))
	assert.Len(t, log.Messages("WARN"), 1)
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := Multi{a, Discard{}, b}
	m.Emit(context.Background(), New(DuplicateDetected, "t1", "d2", "pd2", "duplicate of d1"))
	m.Emit(context.Background(), New(UploadAccepted, "t1", "d2", "pd2", "accepted"))

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.OfType(DuplicateDetected), 1)
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	sub := rdb.Subscribe(ctx, "ingest.test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	NewRedisSink(rdb, "ingest.test", logger.NewNop()).Emit(ctx, New(UploadAccepted, "t1", "d1", "", "accepted"))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
	assert.Equal(t, UploadAccepted, e.Type)
}
