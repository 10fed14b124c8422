package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"cmacal/internal/cache"
	"cmacal/internal/calendar"
	"cmacal/internal/config"
	"cmacal/internal/ics"
	appLog "cmacal/internal/log"
	"cmacal/internal/model"
)

const (
	cacheControlFresh = "public, max-age=300, stale-while-revalidate=3600"
	cacheControlStale = "public, max-age=0, stale-while-revalidate=3600"
)

// EventReader serves cached pipeline results. *cache.Cache satisfies it.
type EventReader interface {
	Read(ctx context.Context, rng calendar.Range) cache.Result
}

// DetailLoader resolves a single event page. *calendar.Service satisfies it.
type DetailLoader interface {
	EventDetail(ctx context.Context, id string) (calendar.Detail, error)
}

// Server exposes the calendar over HTTP.
type Server struct {
	cfg     *config.Config
	events  EventReader
	details DetailLoader
	loc     *time.Location
	now     func() time.Time
	e       *echo.Echo
}

// NewServer builds the echo instance and registers every route.
func NewServer(cfg *config.Config, events EventReader, details DetailLoader) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:     cfg,
		events:  events,
		details: details,
		loc:     cfg.Location(),
		now:     time.Now,
		e:       e,
	}

	e.Use(slogecho.New(appLog.Logger()))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+cfg.Listen)
		e.Use(s.basicAuth())
	}

	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on cfg.Listen until Shutdown is called.
func (s *Server) Start() error {
	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	if err := s.e.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. Empty
// credentials disable it.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuth guards every route except /health.
func (s *Server) basicAuth() echo.MiddlewareFunc {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm: "cmacal",
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		},
		Validator: func(u, p string, _ echo.Context) (bool, error) {
			return secureCompare(u, username) && secureCompare(p, password), nil
		},
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.e.GET("/health", s.handleHealth)
	s.e.GET("/api/calendar", s.handleCalendar)
	s.e.GET("/api/events", s.handleEvents)
	s.e.GET("/api/events.ics", s.handleEventsICS)
	s.e.GET("/api/events/:id", s.handleEventDetail)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// calendarResponse is the JSON shape of /api/calendar.
type calendarResponse struct {
	Events         []model.Formatted `json:"events"`
	FeaturedEvents []model.Formatted `json:"featuredEvents"`
	DateRange      calendar.Range    `json:"dateRange"`
	Status         cache.Status      `json:"status"`
	Cached         bool              `json:"cached"`
	Stale          bool              `json:"stale"`
	Error          string            `json:"error,omitempty"`
}

// handleCalendar serves the cached window with its featured subset.
//
// GET /api/calendar?startDate=YYYY-MM-DD&endDate=YYYY-MM-DD
//   - either date may be omitted; the missing end comes from the default window
func (s *Server) handleCalendar(c echo.Context) error {
	rng, err := s.parseRange(c)
	if err != nil {
		return writeRangeError(c, err)
	}

	res := s.events.Read(c.Request().Context(), rng)
	featured := calendar.ComputeFeatured(res.Events, s.now(), s.loc, s.cfg.FeaturedLimit)

	if res.Status == cache.StatusStale {
		c.Response().Header().Set("Cache-Control", cacheControlStale)
	} else {
		c.Response().Header().Set("Cache-Control", cacheControlFresh)
	}

	resp := calendarResponse{
		Events:         res.Events,
		FeaturedEvents: featured,
		DateRange:      rng,
		Status:         res.Status,
		Cached:         res.Cached(),
		Stale:          res.Status == cache.StatusStale,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

type eventsResponse struct {
	Events []model.Formatted `json:"events"`
	Error  string            `json:"error,omitempty"`
}

// handleEvents is the plain list endpoint. Both dates are required.
func (s *Server) handleEvents(c echo.Context) error {
	if c.QueryParam("startDate") == "" || c.QueryParam("endDate") == "" {
		return writeError(c, http.StatusBadRequest, "startDate and endDate are required")
	}
	rng, err := s.parseRange(c)
	if err != nil {
		return writeRangeError(c, err)
	}

	res := s.events.Read(c.Request().Context(), rng)
	resp := eventsResponse{Events: res.Events}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleEventsICS renders the same cached window as an iCalendar feed.
func (s *Server) handleEventsICS(c echo.Context) error {
	rng, err := s.parseRange(c)
	if err != nil {
		return writeRangeError(c, err)
	}

	res := s.events.Read(c.Request().Context(), rng)
	if res.Err != nil {
		appLog.Warn("serving empty ics feed", "range", rng.String(), "err", res.Err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="events.ics"`)
	if res.Status == cache.StatusStale {
		w.Header().Set("Cache-Control", cacheControlStale)
	} else {
		w.Header().Set("Cache-Control", cacheControlFresh)
	}
	w.WriteHeader(http.StatusOK)
	return ics.Encode(w, s.cfg.ICSName, res.Events, s.now())
}

// handleEventDetail returns one event with its next occurrence.
func (s *Server) handleEventDetail(c echo.Context) error {
	id := c.Param("id")
	d, err := s.details.EventDetail(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, calendar.ErrNotFound) {
			return writeError(c, http.StatusNotFound, "event not found")
		}
		appLog.Error("event detail failed", err, "event_id", id)
		return writeError(c, http.StatusBadGateway, "failed to load event")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) parseRange(c echo.Context) (calendar.Range, error) {
	def := calendar.DefaultRange(s.now(), s.loc, s.cfg.Window.Months)
	return calendar.ParseRange(c.QueryParam("startDate"), c.QueryParam("endDate"), def, s.cfg.Window.MaxDays)
}

func writeRangeError(c echo.Context, err error) error {
	var rerr *calendar.RangeError
	if errors.As(err, &rerr) {
		return writeError(c, http.StatusBadRequest, rerr.Msg)
	}
	return writeError(c, http.StatusBadRequest, fmt.Sprintf("invalid date range: %v", err))
}

func writeError(c echo.Context, status int, msg string) error {
	type errResp struct {
		Error string `json:"error"`
	}
	return c.JSON(status, errResp{Error: msg})
}
