package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"go.uber.org/zap"
)

// LifecycleEvent is the JSON published on EventsChannel and stored at
// StatusKey.
//
//	{"type":"spawn","process_id":"job-1","session_id":"s1","pid":4242,"timestamp":1700000000}
//	{"type":"terminate","process_id":"job-1","session_id":"s1","exit":{"type":0,"code":0},"timestamp":1700000007}
type LifecycleEvent struct {
	Type      string                 `json:"type"` // "spawn" | "terminate"
	ProcessID string                 `json:"process_id"`
	SessionID string                 `json:"session_id"`
	Pid       int                    `json:"pid,omitempty"`
	Exit      *processmgr.ExitStatus `json:"exit,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

const (
	EventSpawn     = "spawn"
	EventTerminate = "terminate"
)

// LifecyclePublisher is a ProcessObserver that forwards spawn/terminate
// notifications to Redis so the owning service can reconcile after a crash.
//
// Observer callbacks run under the process lock, so they only enqueue; a
// single worker does the network I/O. When the queue is full events are
// dropped and counted.
type LifecyclePublisher struct {
	log    *zap.Logger
	cmd    Commander
	ttl    time.Duration
	queue  chan LifecycleEvent
	now    func() time.Time
	opTime time.Duration

	mu      sync.Mutex
	dropped int64

	done chan struct{}
}

var _ processmgr.ProcessObserver = (*LifecyclePublisher)(nil)

// NewLifecyclePublisher starts the publishing worker. It stops once ctx is
// done and the queue is drained. statusTTL bounds how long the last status
// of a process is kept; 0 keeps it forever.
func NewLifecyclePublisher(ctx context.Context, log *zap.Logger, cmd Commander, statusTTL time.Duration) *LifecyclePublisher {
	p := &LifecyclePublisher{
		log:    log.Named("lifecycle-publisher"),
		cmd:    cmd,
		ttl:    statusTTL,
		queue:  make(chan LifecycleEvent, 256),
		now:    time.Now,
		opTime: 500 * time.Millisecond,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *LifecyclePublisher) OnSpawn(processID, sessionID string, pid int) {
	p.enqueue(LifecycleEvent{
		Type:      EventSpawn,
		ProcessID: processID,
		SessionID: sessionID,
		Pid:       pid,
		Timestamp: p.now().Unix(),
	})
}

func (p *LifecyclePublisher) OnTerminate(processID, sessionID string, status processmgr.ExitStatus) {
	p.enqueue(LifecycleEvent{
		Type:      EventTerminate,
		ProcessID: processID,
		SessionID: sessionID,
		Exit:      &status,
		Timestamp: p.now().Unix(),
	})
}

func (p *LifecyclePublisher) enqueue(ev LifecycleEvent) {
	select {
	case p.queue <- ev:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		p.log.Warn("event queue full; dropping event",
			zap.String("process_id", ev.ProcessID),
			zap.String("type", ev.Type),
			zap.Int64("dropped_total", n))
	}
}

// Dropped is the number of events lost to a full queue.
func (p *LifecyclePublisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Done is closed once the worker has exited.
func (p *LifecyclePublisher) Done() <-chan struct{} { return p.done }

func (p *LifecyclePublisher) run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *LifecyclePublisher) publish(ev LifecycleEvent) {
	log := p.log.With(zap.String("process_id", ev.ProcessID), zap.String("type", ev.Type))

	raw, err := json.Marshal(ev)
	if err != nil {
		log.Error("encode event failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opTime)
	defer cancel()

	if err := p.cmd.Set(ctx, StatusKey(ev.ProcessID), raw, p.ttl).Err(); err != nil {
		log.Warn("store status failed", zap.Error(fmt.Errorf("set %s: %w", StatusKey(ev.ProcessID), err)))
	}
	if err := p.cmd.Publish(ctx, EventsChannel(), raw).Err(); err != nil {
		log.Warn("publish event failed", zap.Error(fmt.Errorf("publish: %w", err)))
	}
}
