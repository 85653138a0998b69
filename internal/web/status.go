package web

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/motor"
	"ozealis-ng/internal/supervisor"
)

type StatusSnapshot struct {
	Service     string              `json:"service"`
	NowUTC      string              `json:"now_utc"`
	UptimeSec   int64               `json:"uptime_sec"`
	SessionID   string              `json:"session_id,omitempty"`
	System      *supervisor.Status  `json:"system,omitempty"`
	Therapy     *autopap.State      `json:"therapy,omitempty"`
	Motor       *motor.Status       `json:"motor,omitempty"`
	Accessories *accessory.Snapshot `json:"accessories,omitempty"`
	Update      string              `json:"update"`
	Disk        *DiskSnapshot       `json:"disk,omitempty"`
}

// DiskSnapshot reports space on the filesystem holding logs and staged updates.
type DiskSnapshot struct {
	RootPath       string `json:"root_path,omitempty"`
	RootTotalBytes uint64 `json:"root_total_bytes,omitempty"`
	RootFreeBytes  uint64 `json:"root_free_bytes,omitempty"`
	RootAvailBytes uint64 `json:"root_avail_bytes,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

func (s *Server) Snapshot() StatusSnapshot {
	now := s.d.Now().UTC()
	snap := StatusSnapshot{
		Service:   "ozealis-ng",
		NowUTC:    now.Format(time.RFC3339Nano),
		UptimeSec: int64(now.Sub(s.start).Seconds()),
		SessionID: s.d.SessionID,
		Update:    "IDLE",
		Disk:      snapshotDisk(),
	}
	if s.d.Supervisor != nil {
		st := s.d.Supervisor.Status()
		snap.System = &st
	}
	if s.d.Therapy != nil {
		st := s.d.Therapy.State()
		snap.Therapy = &st
	}
	if s.d.Motor != nil {
		st := s.d.Motor.Status()
		snap.Motor = &st
	}
	if s.d.Accessories != nil {
		a := s.d.Accessories()
		snap.Accessories = &a
	}
	if s.d.Update != nil && s.d.Update.Reporter != nil {
		snap.Update = s.d.Update.Reporter.String()
	}
	return snap
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	noStore(c)
	return c.JSON(s.Snapshot())
}

type AboutResponse struct {
	Service    string `json:"service"`
	NowUTC     string `json:"now_utc"`
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func (s *Server) handleAbout(c *fiber.Ctx) error {
	resp := AboutResponse{
		Service:   "ozealis-ng",
		NowUTC:    s.d.Now().UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		resp.ModulePath = bi.Main.Path
		resp.Version = bi.Main.Version
		for _, kv := range bi.Settings {
			switch kv.Key {
			case "vcs.revision":
				resp.Commit = kv.Value
			case "vcs.modified":
				resp.Dirty = kv.Value == "true"
			case "vcs.time":
				resp.BuildTime = kv.Value
			}
		}
	}
	noStore(c)
	return c.JSON(resp)
}
