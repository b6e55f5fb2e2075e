package rpc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Reply is the typed future for one in-flight call. It starts INITED, moves
// to STARTED once the request is on the wire, and reaches a terminal status
// when Refresh matches a delivery to its correlation id. A Refresh that
// drains no matching message within its deadline sets the timeout flag and
// returns normally; deciding whether to retry is the caller's job.
type Reply struct {
	mu        sync.Mutex
	status    Status
	result    json.RawMessage
	remoteErr string
	timedOut  bool

	correlationID string
	deliveries    <-chan amqp.Delivery
	logger        *slog.Logger
}

func newReply(correlationID string, deliveries <-chan amqp.Delivery, logger *slog.Logger) *Reply {
	return &Reply{
		status:        StatusInited,
		correlationID: correlationID,
		deliveries:    deliveries,
		logger:        logger,
	}
}

// Status returns the current lifecycle status.
func (r *Reply) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// TimedOut reports whether the last Refresh gave up waiting.
func (r *Reply) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// RemoteError returns the error string carried by a REMOTE_ERROR reply.
func (r *Reply) RemoteError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteErr
}

// Result unmarshals a SUCCESS result into v. Calling it in any other state
// leaves v untouched and reports false.
func (r *Reply) Result(v interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusSuccess || r.result == nil {
		return false
	}
	if err := json.Unmarshal(r.result, v); err != nil {
		r.logger.Error("rpc result decode failed", "error", err)
		return false
	}
	return true
}

// Refresh pulls up to max deliveries from the reply queue, waiting at most
// timeout overall. Deliveries for other correlation ids are discarded. When
// nothing matches and retry is set, one more round of the same length is
// attempted. Refresh never fails; expiry only marks the reply timed out.
func (r *Reply) Refresh(timeout time.Duration, retry bool, max int) {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.timedOut = false
	r.mu.Unlock()

	rounds := 1
	if retry {
		rounds = 2
	}
	for attempt := 0; attempt < rounds; attempt++ {
		if r.drain(timeout, max) {
			return
		}
	}

	r.mu.Lock()
	r.timedOut = true
	r.mu.Unlock()
}

// drain reads deliveries until one matches, max messages have been seen, or
// the deadline passes. Reports whether a matching reply arrived.
func (r *Reply) drain(timeout time.Duration, max int) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for seen := 0; max <= 0 || seen < max; {
		select {
		case d, ok := <-r.deliveries:
			if !ok {
				r.transition(StatusFailConn, nil, "reply channel closed")
				return true
			}
			seen++
			if d.CorrelationId != r.correlationID {
				r.logger.Debug("rpc reply discarded",
					"correlation_id", d.CorrelationId,
				)
				continue
			}
			r.accept(d.Body)
			return true
		case <-deadline.C:
			return false
		}
	}
	return false
}

// accept applies a matched delivery body to the reply state.
func (r *Reply) accept(body []byte) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		r.transition(StatusRemoteError, nil, "unparseable reply: "+err.Error())
		return
	}
	switch env.Status {
	case StatusSuccess:
		r.transition(StatusSuccess, env.Result, "")
	case StatusRemoteError:
		r.transition(StatusRemoteError, nil, env.Error)
	default:
		r.transition(StatusRemoteError, nil, "unexpected reply status "+string(env.Status))
	}
}

func (r *Reply) transition(status Status, result json.RawMessage, remoteErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.result = result
	r.remoteErr = remoteErr
}

// markStarted records that the request was published.
func (r *Reply) markStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusStarted
}

// fail moves the reply to a terminal publish-side failure.
func (r *Reply) fail(status Status, reason string) {
	r.transition(status, nil, reason)
}
