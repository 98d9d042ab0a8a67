package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"eventcal/internal/config"
	"eventcal/internal/ics"
	appLog "eventcal/internal/log"
	"eventcal/internal/metrics"
	"eventcal/internal/model"
	"eventcal/internal/service"
)

//go:embed templates/widget.html
var templateFS embed.FS

var widgetTemplate = template.Must(template.ParseFS(templateFS, "templates/widget.html"))

// Calendar is the listing the server renders. *service.Calendar
// satisfies it.
type Calendar interface {
	Snapshot() service.Snapshot
	Refresh(ctx context.Context) error
}

// Server renders the upcoming-events widget and exposes the listing as
// JSON and iCalendar.
type Server struct {
	cfg     *config.Config
	cal     Calendar
	metrics *metrics.Recorder
	loc     *time.Location
	mux     *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, cal Calendar, rec *metrics.Recorder) *Server {
	s := &Server{
		cfg:     cfg,
		cal:     cal,
		metrics: rec,
		loc:     cfg.DisplayLocation(),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="eventcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /calendar.ics", s.handleExport)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /{$}", s.handleWidget)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventView is one widget card.
type eventView struct {
	Day              int
	Month            string
	Title            string
	When             string
	Location         string
	DescriptionLines []string
}

type widgetData struct {
	Title  string
	Events []eventView
}

func (s *Server) handleWidget(w http.ResponseWriter, _ *http.Request) {
	snap := s.cal.Snapshot()

	data := widgetData{Title: s.cfg.Title, Events: make([]eventView, 0, len(snap.Events))}
	for _, ev := range snap.Events {
		data.Events = append(data.Events, s.viewOf(ev))
	}

	var buf bytes.Buffer
	if err := widgetTemplate.Execute(&buf, data); err != nil {
		appLog.Error("widget render failed", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// displayTime places ev.Start in the display zone. All-day starts keep
// their own calendar date so a midnight never slips into the previous day.
func (s *Server) displayTime(ev model.Event) time.Time {
	if ev.IsAllDay {
		return ev.Start
	}
	return ev.Start.In(s.loc)
}

func (s *Server) viewOf(ev model.Event) eventView {
	start := s.displayTime(ev)
	v := eventView{
		Day:      start.Day(),
		Month:    start.Format("Jan"),
		Title:    ev.Title(),
		When:     formatWhen(start, ev.IsAllDay),
		Location: ev.Location,
	}
	if ev.Description != "" {
		v.DescriptionLines = strings.Split(ev.Description, "\n")
	}
	return v
}

// formatWhen renders "1 January 2025" for all-day events and
// "1 January 2025, 9:30 am" otherwise.
func formatWhen(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("2 January 2006")
	}
	return t.Format("2 January 2006, 3:04 pm")
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	RefreshedAt     time.Time  `json:"refreshed_at"`
	Error           string     `json:"error,omitempty"`
	DisplayTimeZone string     `json:"display_timezone"`
	HorizonDays     int        `json:"horizon_days"`
}

type eventDTO struct {
	UID         string     `json:"uid"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	AllDay      bool       `json:"all_day"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Display     string     `json:"display"`
}

// EventsPayload builds the /api/events body; also used by `-once`.
func (s *Server) EventsPayload() any {
	return s.eventsResponse(s.cal.Snapshot())
}

func (s *Server) eventsResponse(snap service.Snapshot) eventsResponse {
	resp := eventsResponse{
		Events:          make([]eventDTO, 0, len(snap.Events)),
		RefreshedAt:     snap.RefreshedAt,
		DisplayTimeZone: s.loc.String(),
		HorizonDays:     s.cfg.HorizonDays,
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	for _, ev := range snap.Events {
		dto := eventDTO{
			UID:         ics.EventUID(ev),
			Start:       ev.Start,
			AllDay:      ev.IsAllDay,
			Summary:     ev.Summary,
			Description: ev.Description,
			Location:    ev.Location,
			Display:     formatWhen(s.displayTime(ev), ev.IsAllDay),
		}
		if ev.HasEnd() {
			end := ev.End
			dto.End = &end
		}
		resp.Events = append(resp.Events, dto)
	}
	return resp
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eventsResponse(s.cal.Snapshot()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cal.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "feed refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.eventsResponse(s.cal.Snapshot()))
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	snap := s.cal.Snapshot()

	var buf bytes.Buffer
	err := ics.Export(&buf, snap.Events, ics.ExportOptions{
		Name:     s.cfg.Title,
		Stamp:    snap.RefreshedAt,
		Location: time.Local,
	})
	if err != nil {
		appLog.Error("calendar export failed", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="upcoming.ics"`)
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
