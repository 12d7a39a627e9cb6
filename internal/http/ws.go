package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/godrive/internal/models"
)

const wsReadLimit = 1024

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

type locationPing struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// handleWS joins a lesson participant to the lesson room. The token travels
// in the query string since browsers cannot set headers on the handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if t, ok := bearerToken(r); ok {
			raw = t
		}
	}
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.booking.Lesson(r.Context(), id, claims.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "ride_id", id, "error", err)
		return
	}
	sess := s.rooms.Join(id, claims.UserID, conn)
	defer s.rooms.Leave(sess)

	conn.SetReadLimit(wsReadLimit)

	for {
		var ping locationPing
		if err := conn.ReadJSON(&ping); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.DebugContext(r.Context(), "websocket closed", "ride_id", id, "user_id", claims.UserID, "error", err)
			}
			return
		}
		if ping.Lat == nil || ping.Lon == nil || *ping.Lat < -90 || *ping.Lat > 90 || *ping.Lon < -180 || *ping.Lon > 180 {
			continue
		}
		s.rooms.Relay(sess, models.Coord{Lat: *ping.Lat, Lon: *ping.Lon})
	}
}
