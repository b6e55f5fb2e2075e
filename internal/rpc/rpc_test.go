package rpc

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestRequestCodecRoundTrip(t *testing.T) {
	body, err := EncodeRequest(&ProfileRequest{IDs: []int64{1, 2, 3}, Fields: []string{"username", "is_active"}})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	req, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(req.IDs) != 3 || req.IDs[0] != 1 {
		t.Errorf("IDs: got %v", req.IDs)
	}
	if len(req.Fields) != 2 || req.Fields[1] != "is_active" {
		t.Errorf("Fields: got %v", req.Fields)
	}
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	if _, err := DecodeRequest([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, tc := range []struct {
		status Status
		want   bool
	}{
		{StatusInited, false},
		{StatusStarted, false},
		{StatusSuccess, true},
		{StatusFailConn, true},
		{StatusFailPublish, true},
		{StatusRemoteError, true},
	} {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("Terminal(%s): got %v, want %v", tc.status, got, tc.want)
		}
	}
}

func successDelivery(t *testing.T, correlationID string, result interface{}) amqp.Delivery {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body, err := EncodeEnvelope(&Envelope{Status: StatusSuccess, Result: raw})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	return amqp.Delivery{CorrelationId: correlationID, Body: body}
}

func TestReplyRefreshSuccess(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	reply := newReply("corr-1", deliveries, slog.New(slog.DiscardHandler))
	reply.markStarted()

	deliveries <- successDelivery(t, "corr-1", []map[string]interface{}{{"username": "alice"}})
	reply.Refresh(time.Second, false, 10)

	if reply.Status() != StatusSuccess {
		t.Fatalf("status: got %s, want SUCCESS", reply.Status())
	}
	if reply.TimedOut() {
		t.Error("reply should not be marked timed out")
	}
	var profiles []map[string]interface{}
	if !reply.Result(&profiles) {
		t.Fatal("Result should decode a SUCCESS reply")
	}
	if len(profiles) != 1 || profiles[0]["username"] != "alice" {
		t.Errorf("profiles: got %v", profiles)
	}
}

func TestReplyRefreshDiscardsForeignCorrelation(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 2)
	reply := newReply("corr-mine", deliveries, slog.New(slog.DiscardHandler))
	reply.markStarted()

	deliveries <- successDelivery(t, "corr-other", "ignored")
	deliveries <- successDelivery(t, "corr-mine", "kept")
	reply.Refresh(time.Second, false, 10)

	if reply.Status() != StatusSuccess {
		t.Fatalf("status: got %s, want SUCCESS", reply.Status())
	}
	var got string
	if !reply.Result(&got) || got != "kept" {
		t.Errorf("result: got %q, want %q", got, "kept")
	}
}

func TestReplyRefreshTimeoutSetsFlagNotError(t *testing.T) {
	deliveries := make(chan amqp.Delivery)
	reply := newReply("corr-1", deliveries, slog.New(slog.DiscardHandler))
	reply.markStarted()

	reply.Refresh(20*time.Millisecond, false, 10)

	if !reply.TimedOut() {
		t.Fatal("expected timeout flag")
	}
	if reply.Status() != StatusStarted {
		t.Errorf("status after timeout: got %s, want STARTED", reply.Status())
	}

	// A later Refresh can still succeed: timeout is not terminal.
	go func() {
		deliveries <- successDelivery(t, "corr-1", "late")
	}()
	reply.Refresh(time.Second, false, 10)
	if reply.Status() != StatusSuccess {
		t.Errorf("status after late reply: got %s, want SUCCESS", reply.Status())
	}
	if reply.TimedOut() {
		t.Error("timeout flag should clear on a fresh Refresh")
	}
}

func TestReplyRemoteError(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	reply := newReply("corr-1", deliveries, slog.New(slog.DiscardHandler))
	reply.markStarted()

	body, err := EncodeEnvelope(&Envelope{Status: StatusRemoteError, Error: "no such profile"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	deliveries <- amqp.Delivery{CorrelationId: "corr-1", Body: body}
	reply.Refresh(time.Second, false, 10)

	if reply.Status() != StatusRemoteError {
		t.Fatalf("status: got %s, want REMOTE_ERROR", reply.Status())
	}
	if reply.RemoteError() != "no such profile" {
		t.Errorf("RemoteError: got %q", reply.RemoteError())
	}
	var ignored string
	if reply.Result(&ignored) {
		t.Error("Result should refuse to decode a non-SUCCESS reply")
	}
}

func TestReplyRefreshIsTerminalAfterSuccess(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 2)
	reply := newReply("corr-1", deliveries, slog.New(slog.DiscardHandler))
	reply.markStarted()

	deliveries <- successDelivery(t, "corr-1", "first")
	reply.Refresh(time.Second, false, 10)

	// A second matching delivery must not overwrite terminal state.
	deliveries <- successDelivery(t, "corr-1", "second")
	reply.Refresh(50*time.Millisecond, false, 10)

	var got string
	reply.Result(&got)
	if got != "first" {
		t.Errorf("result: got %q, want %q", got, "first")
	}
}

func TestServerAnswerRejectsUnknownField(t *testing.T) {
	srv := &Server{logger: slog.New(slog.DiscardHandler)}
	body, err := EncodeRequest(&ProfileRequest{IDs: []int64{1}, Fields: []string{"password_hash"}})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	env := srv.answer(t.Context(), body)
	if env.Status != StatusRemoteError {
		t.Fatalf("status: got %s, want REMOTE_ERROR", env.Status)
	}
}
