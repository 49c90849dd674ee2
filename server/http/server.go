package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/sfu"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type MeetingService interface {
	CreateMeeting() string
	MeetingExists(meetingID string) bool
}

type MeetingResponse struct {
	MeetingID string `json:"meetingId"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	logger zerolog.Logger
	svc    MeetingService
	calls  sfu.ControlAPI
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	MeetingService MeetingService

	// Calls, when set, enables the SFU control proxy so that clients never
	// hold the routing-service credentials themselves.
	Calls      sfu.ControlAPI
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.MeetingService,
		calls:  cfg.Calls,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/meetings", srv.createMeeting)
		r.Get("/meetings/{meetingID}", srv.meetingExists)
		r.Post("/calls/session", srv.callsSession)
		r.Post("/calls/tracks", srv.callsTracks)
		r.Post("/calls/renegotiate", srv.callsRenegotiate)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) createMeeting(w http.ResponseWriter, _ *http.Request) {
	meetingID := srv.svc.CreateMeeting()
	srv.writeJSON(w, http.StatusOK, &MeetingResponse{MeetingID: meetingID})
}

func (srv *Server) meetingExists(w http.ResponseWriter, r *http.Request) {
	meetingID := chi.URLParam(r, "meetingID")
	srv.writeJSON(w, http.StatusOK, &ExistsResponse{Exists: srv.svc.MeetingExists(meetingID)})
}

func (srv *Server) callsSession(w http.ResponseWriter, r *http.Request) {
	if srv.calls == nil {
		srv.writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{Error: "sfu is not configured"})
		return
	}
	sessionID, err := srv.calls.NewSession(r.Context())
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create sfu session")
		srv.writeJSON(w, http.StatusBadGateway, &ErrorResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (srv *Server) callsTracks(w http.ResponseWriter, r *http.Request) {
	if srv.calls == nil {
		srv.writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{Error: "sfu is not configured"})
		return
	}
	var req sfu.ProxyTracksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "invalid request body"})
		return
	}
	resp, err := srv.calls.NewTracks(r.Context(), req.SessionID, &sfu.TracksRequest{
		SessionDescription: req.SessionDescription,
		Tracks:             req.Tracks,
	})
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to forward tracks request")
		srv.writeJSON(w, http.StatusBadGateway, &ErrorResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) callsRenegotiate(w http.ResponseWriter, r *http.Request) {
	if srv.calls == nil {
		srv.writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{Error: "sfu is not configured"})
		return
	}
	var req sfu.ProxyRenegotiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := srv.calls.Renegotiate(r.Context(), req.SessionID, req.SessionDescription); err != nil {
		srv.logger.Error().Err(err).Msg("failed to forward renegotiation")
		srv.writeJSON(w, http.StatusBadGateway, &ErrorResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, map[string]any{})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
