package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
)

const defaultQueueSize = 32

// Conn is the part of a websocket connection a session writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one participant connected to a lesson room.
type Session struct {
	ID       string
	LessonID int64
	UserID   int64

	conn      Conn
	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) writeLoop(onError func()) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteJSON(msg); err != nil {
				onError()
				return
			}
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Rooms groups websocket sessions by lesson id and fans messages out to them.
// Sends never block: a session whose queue is full is dropped.
type Rooms struct {
	mu        sync.RWMutex
	rooms     map[int64]map[string]*Session
	logger    *slog.Logger
	queueSize int
}

func NewRooms(logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{rooms: make(map[int64]map[string]*Session), logger: logger, queueSize: defaultQueueSize}
}

// Join registers conn in the room of lessonID and starts its writer.
func (r *Rooms) Join(lessonID, userID int64, conn Conn) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		LessonID: lessonID,
		UserID:   userID,
		conn:     conn,
		send:     make(chan interface{}, r.queueSize),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	room, ok := r.rooms[lessonID]
	if !ok {
		room = make(map[string]*Session)
		r.rooms[lessonID] = room
	}
	room[s.ID] = s
	r.mu.Unlock()
	observability.RoomSessionsActive.Inc()

	go s.writeLoop(func() { r.Leave(s) })
	r.logger.Info("room joined", "ride_id", lessonID, "user_id", userID, "session_id", s.ID)
	return s
}

// Leave removes the session and closes its connection. Safe to call twice.
func (r *Rooms) Leave(s *Session) {
	r.mu.Lock()
	room, ok := r.rooms[s.LessonID]
	_, present := room[s.ID]
	if ok && present {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(r.rooms, s.LessonID)
		}
	}
	r.mu.Unlock()
	if present {
		observability.RoomSessionsActive.Dec()
	}
	s.close()
}

// Broadcast queues v for every session of the lesson and returns how many
// sessions accepted it.
func (r *Rooms) Broadcast(lessonID int64, v interface{}) int {
	r.mu.RLock()
	delivered := 0
	var slow []*Session
	for _, s := range r.rooms[lessonID] {
		select {
		case s.send <- v:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range slow {
		r.logger.Warn("dropping slow room session", "ride_id", lessonID, "session_id", s.ID)
		r.Leave(s)
	}
	return delivered
}

// Notify delivers a lesson event to the room. An empty room is not an error.
func (r *Rooms) Notify(_ context.Context, lessonID int64, ev models.LessonEvent) error {
	r.Broadcast(lessonID, ev)
	return nil
}

// Relay forwards a location ping from one participant to everyone in the room,
// stamped with the sender.
func (r *Rooms) Relay(from *Session, loc models.Coord) int {
	return r.Broadcast(from.LessonID, models.LessonEvent{
		Type:       models.EventLocationUpdate,
		LessonID:   from.LessonID,
		OccurredAt: time.Now().UTC(),
		Data: map[string]any{
			"sender_id": from.UserID,
			"lat":       loc.Lat,
			"lon":       loc.Lon,
		},
	})
}

// Size returns the number of sessions in the room of lessonID.
func (r *Rooms) Size(lessonID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[lessonID])
}

// Close disconnects every session.
func (r *Rooms) Close() {
	r.mu.RLock()
	var all []*Session
	for _, room := range r.rooms {
		for _, s := range room {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range all {
		r.Leave(s)
	}
}
