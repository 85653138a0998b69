package web

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/diag"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func attachment(c *fiber.Ctx, name, mime string, body []byte) error {
	noStore(c)
	c.Set(fiber.HeaderContentType, mime)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Send(body)
}

func (s *Server) handleFaultsCSV(c *fiber.Ctx) error {
	if s.d.Faults == nil {
		return unavailable("fault log")
	}
	var buf bytes.Buffer
	if err := s.d.Faults.WriteCSV(&buf); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return attachment(c, "faults.csv", "text/csv; charset=utf-8", buf.Bytes())
}

func (s *Server) handleClearFaults(c *fiber.Ctx) error {
	if s.d.Faults == nil {
		return unavailable("fault log")
	}
	s.d.Faults.Clear()
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleDataLogCSV(c *fiber.Ctx) error {
	if s.d.DataLog == nil {
		return unavailable("data log")
	}
	var buf bytes.Buffer
	buf.WriteString(diag.DataLogHeader + "\n")
	if err := s.d.DataLog.WriteCSV(&buf); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return attachment(c, "datalog.csv", "text/csv; charset=utf-8", buf.Bytes())
}

func (s *Server) handleReport(c *fiber.Ctx) error {
	rep := diag.Report{Generated: s.d.Now(), SessionID: s.d.SessionID}
	if s.d.Faults != nil {
		rep.Faults = s.d.Faults.Faults()
	}
	if s.d.DataLog != nil {
		rep.DataLog, _ = s.d.DataLog.Snapshot(0)
	}
	if s.d.Therapy != nil {
		rep.AHI = s.d.Therapy.AHI()
		rep.Events = s.d.Therapy.Events(0)
	}
	var buf bytes.Buffer
	if err := diag.WriteXLSX(&buf, rep); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	name := "ozealis-" + rep.Generated.UTC().Format("20060102-150405") + ".xlsx"
	return attachment(c, name, xlsxMIME, buf.Bytes())
}

type EventsResponse struct {
	AHI    float64         `json:"ahi"`
	Events []autopap.Event `json:"events"`
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.d.Therapy == nil {
		return unavailable("therapy")
	}
	n, err := tailParam(c, 0)
	if err != nil {
		return err
	}
	ev := s.d.Therapy.Events(n)
	if ev == nil {
		ev = []autopap.Event{}
	}
	noStore(c)
	return c.JSON(EventsResponse{AHI: s.d.Therapy.AHI(), Events: ev})
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (s *Server) handleLogs(c *fiber.Ctx) error {
	if s.d.Logs == nil {
		return unavailable("logs")
	}
	tail, err := tailParam(c, 200)
	if err != nil {
		return err
	}
	lines, dropped := s.d.Logs.Snapshot(tail)
	noStore(c)

	if strings.EqualFold(c.Query("format"), "text") {
		var b strings.Builder
		if dropped > 0 {
			fmt.Fprintf(&b, "[dropped=%d]\n", dropped)
		}
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		c.Type("txt", "utf-8")
		return c.SendString(b.String())
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(LogsResponse{
		NowUTC:  s.d.Now().UTC().Format(time.RFC3339Nano),
		Dropped: dropped,
		Lines:   lines,
	})
}

// tailParam parses ?tail=n in [1,5000].
func tailParam(c *fiber.Ctx, def int) (int, error) {
	q := strings.TrimSpace(c.Query("tail"))
	if q == "" {
		return def, nil
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < 1 || v > 5000 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "tail must be an integer in [1,5000]")
	}
	return v, nil
}
