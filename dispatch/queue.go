package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/types"
)

// numPriorities matches the Priority.Rank range (low..critical).
const numPriorities = 4

// subscription is one session's bounded outbound queue plus its writer.
// Messages are popped highest priority first, FIFO within a priority.
type subscription struct {
	sessionID string
	sink      Sink
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu      sync.Mutex
	queues  [numPriorities][]*types.Message
	total   int
	dropped int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func newSubscription(sessionID string, sink Sink, cfg Config, logger *zap.Logger, collector *metrics.Collector) *subscription {
	return &subscription{
		sessionID: sessionID,
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With(zap.String("session_id", sessionID)),
		metrics:   collector,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// enqueue adds a message to the queue. When the queue is full the lowest
// priority queued message is dropped first; if the incoming message itself is
// the lowest, it is the one dropped. Every drop is counted and surfaced to the
// session as a SUBSCRIPTION_ERROR notice on the next write, never silently.
func (s *subscription) enqueue(msg *types.Message) {
	rank := msg.Priority.Rank()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.total >= s.cfg.QueueSize {
		lowest := -1
		for r := 0; r < numPriorities; r++ {
			if len(s.queues[r]) > 0 {
				lowest = r
				break
			}
		}
		if lowest >= 0 && lowest < rank {
			// Evict the newest message of the lowest priority.
			q := s.queues[lowest]
			s.queues[lowest] = q[:len(q)-1]
			s.total--
			s.dropped++
		} else {
			// Incoming message is lowest priority: drop it instead.
			s.dropped++
			s.mu.Unlock()
			s.recordDrop(msg)
			return
		}
		s.recordDropLocked(msg)
	}
	s.queues[rank] = append(s.queues[rank], msg)
	s.total++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) recordDropLocked(msg *types.Message) {
	s.logger.Warn("outbound queue full, dropped lowest-priority message",
		zap.String("incoming_type", string(msg.Type)),
		zap.Int("dropped_total", s.dropped),
	)
	if s.metrics != nil {
		s.metrics.MessageDropped("backpressure")
	}
}

func (s *subscription) recordDrop(msg *types.Message) {
	s.logger.Warn("outbound queue full, dropped incoming low-priority message",
		zap.String("type", string(msg.Type)),
	)
	if s.metrics != nil {
		s.metrics.MessageDropped("backpressure")
	}
}

// pop removes the highest-priority queued message. A pending drop notice is
// emitted ahead of regular traffic.
func (s *subscription) pop() (*types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		notice := types.MustMessage(types.TypeSubscriptionError, types.ErrorPayload{
			Code:    types.ErrCodeInternal,
			Message: "outbound buffer overflow, messages dropped",
			Dropped: s.dropped,
		}).WithPriority(types.PriorityCritical)
		notice.SessionID = s.sessionID
		s.dropped = 0
		return notice, true
	}
	for r := numPriorities - 1; r >= 0; r-- {
		if len(s.queues[r]) > 0 {
			msg := s.queues[r][0]
			s.queues[r] = s.queues[r][1:]
			s.total--
			return msg, true
		}
	}
	return nil, false
}

// run is the writer loop: it drains the queue into the sink until closed.
func (s *subscription) run() {
	for {
		for {
			msg, ok := s.pop()
			if !ok {
				break
			}
			s.send(msg)
		}
		select {
		case <-s.notify:
		case <-s.done:
			// Final drain so already-queued messages are not lost on an
			// orderly close.
			for {
				msg, ok := s.pop()
				if !ok {
					s.sink.Close()
					return
				}
				s.send(msg)
			}
		}
	}
}

func (s *subscription) send(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	if err := s.sink.Send(ctx, msg); err != nil {
		s.logger.Warn("delivery failed",
			zap.String("type", string(msg.Type)),
			zap.String("request_id", msg.RequestID),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.MessageDropped("send_error")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.MessageDelivered(time.Since(start))
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
