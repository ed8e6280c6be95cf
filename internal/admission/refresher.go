package admission

import (
	"context"
	"log"
	"sync"
	"time"
)

// Refresher runs one lightweight periodic snapshot task per active room.
// Rooms are registered when their match starts playing (waiting clients need
// position updates) and deregistered when it finishes, so idle rooms cost
// nothing.  After each rescan the notify callback runs so the caller can
// broadcast the new queue length to connected clients.
type Refresher struct {
	queue    *Queue
	interval time.Duration
	notify   func(roomID uint64, total int64) // nil disables broadcasting

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// NewRefresher returns a stopped Refresher.  notify may be nil.
func NewRefresher(queue *Queue, interval time.Duration, notify func(roomID uint64, total int64)) *Refresher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Refresher{
		queue:    queue,
		interval: interval,
		notify:   notify,
		cancels:  make(map[uint64]context.CancelFunc),
	}
}

// StartRoom begins the periodic window refresh for a room.  Calling it twice
// for the same room is a no-op.
func (r *Refresher) StartRoom(roomID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.cancels[roomID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[roomID] = cancel
	go r.run(ctx, roomID)
}

// StopRoom cancels the room's refresh task.  Unknown rooms are ignored.
func (r *Refresher) StopRoom(roomID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[roomID]; ok {
		cancel()
		delete(r.cancels, roomID)
	}
}

// StopAll cancels every running refresh task.  Used at shutdown.
func (r *Refresher) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID, cancel := range r.cancels {
		cancel()
		delete(r.cancels, roomID)
	}
}

// Active reports whether a refresh task is running for the room.
func (r *Refresher) Active(roomID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[roomID]
	return ok
}

func (r *Refresher) run(ctx context.Context, roomID uint64) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, err := r.queue.RefreshTopWindow(ctx, roomID)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("admission: refresh room %d: %v", roomID, err)
				}
				continue
			}
			if r.notify != nil {
				r.notify(roomID, total)
			}
		}
	}
}
