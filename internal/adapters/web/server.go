// Package web поднимает HTTP-поверхность наблюдения: проверка живости, метрики
// Prometheus, состояние комнат в JSON и поток событий комнаты по WebSocket.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// RoomLister отдаёт состояние активных комнат.
type RoomLister interface {
	Rooms() []chatsync.RoomStatus
}

// Server: веб-сервер наблюдения.
type Server struct {
	srv   *http.Server
	hub   *Hub
	rooms RoomLister
}

// NewServer собирает маршруты. Сервер не слушает порт до Start.
func NewServer(addr string, hub *Hub, rooms RoomLister) *Server {
	s := &Server{hub: hub, rooms: rooms}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /ws", s.handleWS)

	// WriteTimeout не ставим: он обрывал бы долгоживущие WebSocket.
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler возвращает корневой обработчик (для httptest).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start слушает адрес до Shutdown.
func (s *Server) Start() error {
	logger.Info("web: listening", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown останавливает сервер и дожидается активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("web: shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

type roomView struct {
	Room          string `json:"room"`
	State         string `json:"state"`
	Error         string `json:"error,omitempty"`
	HasMoreOlder  bool   `json:"has_more_older"`
	LoadingOlder  bool   `json:"loading_older"`
	InitialLoaded bool   `json:"initial_loaded"`
	Messages      int    `json:"messages"`
	CursorID      int64  `json:"cursor_id,omitempty"`
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.rooms.Rooms()
	out := make([]roomView, 0, len(rooms))
	for _, st := range rooms {
		v := roomView{
			Room:          st.Room,
			State:         st.State.String(),
			HasMoreOlder:  st.HasMoreOlder,
			LoadingOlder:  st.LoadingOlder,
			InitialLoaded: st.InitialLoaded,
			Messages:      st.Messages,
			CursorID:      st.Cursor.ID,
		}
		if st.Err != nil {
			v.Error = st.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}
