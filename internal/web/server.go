package web

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/diag"
	"ozealis-ng/internal/motor"
	"ozealis-ng/internal/settings"
	"ozealis-ng/internal/supervisor"
	"ozealis-ng/internal/update"
)

// Supervisor is the part of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Status() supervisor.Status
	RequestMode(m supervisor.Mode) error
}

// Therapy exposes the controller state. *autopap.Controller satisfies it.
type Therapy interface {
	State() autopap.State
	Events(n int) []autopap.Event
	AHI() float64
}

type MotorStatus interface {
	Status() motor.Status
}

// Deps are the collaborators behind the API. Nil members disable their routes.
type Deps struct {
	Supervisor Supervisor
	Therapy    Therapy
	Motor      MotorStatus

	Settings settings.Store
	// Apply, when set, is called after validation and before saving.
	// If Apply returns an error, the settings are not saved.
	Apply func(s settings.Settings) error

	Faults      *diag.Recorder
	DataLog     *diag.DataLog
	Logs        *diag.LogBuffer
	Accessories func() accessory.Snapshot
	Update      *update.Stager

	SessionID string
	Log       *zap.Logger
	Now       func() time.Time
}

type Server struct {
	app   *fiber.App
	d     Deps
	start time.Time
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{d: d, start: d.Now()}

	limit := 1 << 20
	if d.Update != nil {
		limit = int(d.Update.Limit()) + 1<<20
	}
	app := fiber.New(fiber.Config{
		AppName:               "ozealis-ng",
		DisableStartupMessage: true,
		BodyLimit:             limit,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           30 * time.Second,
	})
	app.Use(recover.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/about", s.handleAbout)
	api.Get("/logs", s.handleLogs)
	api.Post("/mode", s.handleMode)
	api.Get("/therapy", s.handleGetTherapy)
	api.Put("/therapy", s.handlePutTherapy)
	api.Get("/events", s.handleEvents)
	api.Get("/faults.csv", s.handleFaultsCSV)
	api.Delete("/faults", s.handleClearFaults)
	api.Get("/datalog.csv", s.handleDataLogCSV)
	api.Get("/report.xlsx", s.handleReport)
	api.Post("/update", s.handleUpdate)

	app.Get("/", s.handleIndex)

	s.app = app
	return s
}

// App exposes the fiber app for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()
	s.d.Log.Info("web api listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		_ = s.app.ShutdownWithTimeout(3 * time.Second)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func unavailable(what string) error {
	return fiber.NewError(fiber.StatusNotFound, what+" unavailable")
}

func noStore(c *fiber.Ctx) {
	c.Set(fiber.HeaderCacheControl, "no-store")
}

func (s *Server) handleIndex(c *fiber.Ctx) error {
	c.Type("html", "utf-8")
	mode := "unknown"
	if s.d.Supervisor != nil {
		mode = s.d.Supervisor.Status().Mode.String()
	}
	return c.SendString("<!doctype html><html><head><meta charset=\"utf-8\"><title>Ozealis</title></head><body>" +
		"<h1>Ozealis</h1><p>Mode: " + mode + "</p>" +
		"<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/faults.csv\">faults</a>, " +
		"<a href=\"/api/datalog.csv\">data log</a>, <a href=\"/api/report.xlsx\">report</a>.</p></body></html>")
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(c *fiber.Ctx) error {
	if s.d.Supervisor == nil {
		return unavailable("supervisor")
	}
	var req modeRequest
	if err := decodeStrict(c.Body(), &req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	m, err := supervisor.ParseMode(req.Mode)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := s.d.Supervisor.RequestMode(m); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	st := s.d.Supervisor.Status()
	return c.JSON(fiber.Map{"ok": true, "mode": st.Mode, "fault": st.Fault})
}

func (s *Server) handleUpdate(c *fiber.Ctx) error {
	if s.d.Update == nil {
		return unavailable("update")
	}
	body := c.Body()
	err := s.d.Update.Stage(bytes.NewReader(body), int64(len(body)))
	switch {
	case errors.Is(err, update.ErrBusy):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		s.d.Log.Warn("update staging failed", zap.Error(err))
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	s.d.Log.Info("update staged", zap.Int("bytes", len(body)))
	return c.JSON(fiber.Map{"ok": true, "bytes": len(body)})
}
