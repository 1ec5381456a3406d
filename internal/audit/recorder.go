package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Recorder accepts events from the pipeline without ever blocking it. Events
// are buffered on a channel and drained by a single worker that appends to
// the store, then best-effort publishes and archives. When the buffer is
// full the event is dropped and counted; audit must never stall a cutover.
type Recorder struct {
	store    Store
	producer *KafkaProducer
	archiver Archiver

	events  chan *Event
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

const defaultRecorderBuffer = 256

func NewRecorder(store Store, producer *KafkaProducer, archiver Archiver) *Recorder {
	r := &Recorder{
		store:    store,
		producer: producer,
		archiver: archiver,
		events:   make(chan *Event, defaultRecorderBuffer),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an event. It never blocks; on a full buffer the event is
// dropped with a log line.
func (r *Recorder) Record(eventType string, payload interface{}) {
	ev := &Event{
		EventType: eventType,
		Payload:   payload,
		Ts:        time.Now().UTC(),
	}
	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		log.Printf("[audit] buffer full, dropped event %s (%d dropped total)", eventType, n)
	}
}

// Dropped returns how many events were lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			log.Printf("[audit] append %s: %v", ev.EventType, err)
			cancel()
			continue
		}
		if r.producer != nil {
			if err := r.producer.ProduceEvent(ctx, ev); err != nil {
				log.Printf("[audit] produce %s: %v", ev.EventType, err)
			}
		}
		if r.archiver != nil {
			if err := r.archiver.ArchiveEvent(ctx, ev); err != nil {
				log.Printf("[audit] archive %s: %v", ev.EventType, err)
			}
		}
		cancel()
	}
}

// Close stops accepting events and waits for the worker to drain the buffer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.events)
	})
	<-r.done
}
