package pipeline

import (
	"sync"
	"time"

	"github.com/itsneelabh/paperflow/core"
)

// ProgressEvent is published for every pipeline/stage/agent state
// transition observed during a run.
type ProgressEvent struct {
	PipelineID string
	StageID    string // empty for pipeline-level events
	Status     string
	Timestamp  time.Time
	Err        error
}

const subscriberBuffer = 64

type topic struct {
	mu   sync.Mutex
	subs map[int]chan ProgressEvent
	next int
}

// ProgressBus is a topic-per-pipeline publish/subscribe hub. Subscribers
// receive events for their pipeline in publication order. Delivery is
// best-effort: a full subscriber channel has its oldest pending event
// dropped rather than blocking Publish.
type ProgressBus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger core.Logger
}

// NewProgressBus creates an empty ProgressBus.
func NewProgressBus(logger core.Logger) *ProgressBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ProgressBus{topics: make(map[string]*topic), logger: logger}
}

func (b *ProgressBus) topicFor(pipelineID string) *topic {
	b.mu.RLock()
	t, ok := b.topics[pipelineID]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[pipelineID]; ok {
		return t
	}
	t = &topic{subs: make(map[int]chan ProgressEvent)}
	b.topics[pipelineID] = t
	return t
}

// Subscribe returns a channel of events for pipelineID and an unsubscribe
// function the caller must eventually call to release the channel.
func (b *ProgressBus) Subscribe(pipelineID string) (<-chan ProgressEvent, func()) {
	t := b.topicFor(pipelineID)
	t.mu.Lock()
	id := t.next
	t.next++
	ch := make(chan ProgressEvent, subscriberBuffer)
	t.subs[id] = ch
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers event to every current subscriber of pipelineID. A
// subscriber whose channel is full has its oldest pending event dropped to
// make room, so Publish never blocks on a slow consumer; a Warn is logged
// only if the new event still cannot be delivered.
func (b *ProgressBus) Publish(pipelineID string, event ProgressEvent) {
	t := b.topicFor(pipelineID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
				b.logger.Warn("progressbus: dropping event, subscriber channel full", map[string]interface{}{
					"pipeline_id": pipelineID,
					"stage_id":    event.StageID,
				})
			}
		}
	}
}

// Close closes and removes every subscriber channel for pipelineID,
// preventing goroutine/channel leaks once a pipeline has finished.
func (b *ProgressBus) Close(pipelineID string) {
	b.mu.Lock()
	t, ok := b.topics[pipelineID]
	if ok {
		delete(b.topics, pipelineID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
