package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/settings"
)

// TherapyPayload is the GET /api/therapy schema.
type TherapyPayload struct {
	Mode      string  `json:"mode"`
	PMin      float64 `json:"p_min"`
	PMax      float64 `json:"p_max"`
	Delta     float64 `json:"delta"`
	Ramp      string  `json:"ramp"`
	EPR       float64 `json:"epr"`
	AutoStart bool    `json:"auto_start"`
	AutoStop  bool    `json:"auto_stop"`
	AutoPAP   bool    `json:"auto_pap"`
}

// TherapyPayloadIn is the strict PUT schema.
//
// All fields are required (no partial updates) so a client cannot silently
// fall back to a default pressure.
type TherapyPayloadIn struct {
	Mode      *string  `json:"mode"`
	PMin      *float64 `json:"p_min"`
	PMax      *float64 `json:"p_max"`
	Delta     *float64 `json:"delta"`
	Ramp      *string  `json:"ramp"`
	EPR       *float64 `json:"epr"`
	AutoStart *bool    `json:"auto_start"`
	AutoStop  *bool    `json:"auto_stop"`
	AutoPAP   *bool    `json:"auto_pap"`
}

var therapyPutKeys = []string{
	"mode",
	"p_min",
	"p_max",
	"delta",
	"ramp",
	"epr",
	"auto_start",
	"auto_stop",
	"auto_pap",
}

// decodeTherapyPayloadInStrict rejects unknown, duplicate, null and missing keys.
func decodeTherapyPayloadInStrict(body []byte) (TherapyPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	allowed := make(map[string]struct{}, len(therapyPutKeys))
	for _, k := range therapyPutKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(therapyPutKeys))

	tok, err := dec.Token()
	if err != nil {
		return TherapyPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return TherapyPayloadIn{}, errors.New("invalid json: expected object")
	}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return TherapyPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return TherapyPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return TherapyPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return TherapyPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return TherapyPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return TherapyPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}

	end, err := dec.Token()
	if err != nil {
		return TherapyPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return TherapyPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return TherapyPayloadIn{}, errors.New("invalid json: trailing data")
	}

	for _, k := range therapyPutKeys {
		if _, ok := seen[k]; !ok {
			return TherapyPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	var out TherapyPayloadIn
	if err := decodeStrict(body, &out); err != nil {
		return TherapyPayloadIn{}, err
	}
	return out, nil
}

// decodeStrict decodes a single JSON value with no unknown fields.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func settingsToTherapyPayload(s settings.Settings) TherapyPayload {
	return TherapyPayload{
		Mode:      s.Mode.String(),
		PMin:      s.Limits.PMin,
		PMax:      s.Limits.PMax,
		Delta:     s.Limits.Delta,
		Ramp:      s.Limits.Ramp.String(),
		EPR:       s.Limits.EPR,
		AutoStart: s.Limits.AutoStart,
		AutoStop:  s.Limits.AutoStop,
		AutoPAP:   s.AutoPAP,
	}
}

func applyTherapyPayload(s *settings.Settings, p TherapyPayloadIn) error {
	if s == nil {
		return errors.New("settings is nil")
	}
	m, err := autopap.ParseMode(*p.Mode)
	if err != nil {
		return err
	}
	rampStr := strings.TrimSpace(*p.Ramp)
	ramp, err := time.ParseDuration(rampStr)
	if err != nil {
		return fmt.Errorf("invalid ramp %q: %w", rampStr, err)
	}
	s.Mode = m
	s.Limits.PMin = *p.PMin
	s.Limits.PMax = *p.PMax
	s.Limits.Delta = *p.Delta
	s.Limits.Ramp = ramp
	s.Limits.EPR = *p.EPR
	s.Limits.AutoStart = *p.AutoStart
	s.Limits.AutoStop = *p.AutoStop
	s.AutoPAP = *p.AutoPAP
	return s.Validate()
}

func (s *Server) handleGetTherapy(c *fiber.Ctx) error {
	if s.d.Settings == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "settings not available")
	}
	cur, err := settings.LoadOrDefault(c.UserContext(), s.d.Settings)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("load failed: %v", err))
	}
	noStore(c)
	return c.JSON(settingsToTherapyPayload(cur))
}

func (s *Server) handlePutTherapy(c *fiber.Ctx) error {
	if s.d.Settings == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "settings not available")
	}
	if !c.Is("json") {
		return fiber.NewError(fiber.StatusUnsupportedMediaType, "content-type must be application/json")
	}
	p, err := decodeTherapyPayloadInStrict(c.Body())
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx := c.UserContext()
	old, err := settings.LoadOrDefault(ctx, s.d.Settings)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("load failed: %v", err))
	}
	next := old
	if err := applyTherapyPayload(&next, p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid therapy settings: %v", err))
	}

	if s.d.Apply != nil {
		if err := s.d.Apply(next); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("apply failed: %v", err))
		}
	}
	if err := s.d.Settings.Save(ctx, next); err != nil {
		// Keep the running therapy consistent with what is stored.
		if s.d.Apply != nil {
			_ = s.d.Apply(old)
		}
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("save failed: %v", err))
	}
	s.d.Log.Info("therapy settings saved",
		zap.Stringer("mode", next.Mode), zap.Float64("p_min", next.Limits.PMin), zap.Float64("p_max", next.Limits.PMax))
	return c.JSON(settingsToTherapyPayload(next))
}
