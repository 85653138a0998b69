package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/config"
	"ozealis-ng/internal/diag"
	"ozealis-ng/internal/i2c"
	"ozealis-ng/internal/motor"
	"ozealis-ng/internal/pressure"
	"ozealis-ng/internal/sensors/lps22"
	"ozealis-ng/internal/sensors/vin"
	"ozealis-ng/internal/settings"
	"ozealis-ng/internal/supervisor"
	"ozealis-ng/internal/telemetry"
	"ozealis-ng/internal/update"
	"ozealis-ng/internal/web"
)

// runtime owns every long-lived component of the daemon.
type runtime struct {
	cfg       config.Config
	log       *zap.Logger
	sessionID string

	bus    *i2c.Bus
	bridge *motor.GPIOBridge
	drv    *motor.Driver
	press  *pressure.Service
	ctrl   *autopap.Controller
	sup    *supervisor.Supervisor
	acc    *accessory.Poller
	web    *web.Server

	store settings.Store
	rdb   *redis.Client
	mqtt  *telemetry.MQTTSink
	udp   *telemetry.UDPSink

	faults *diag.Recorder
	dlog   *diag.DataLog
	upd    *update.Reporter
}

func newRuntime(ctx context.Context, cfg config.Config, logs *diag.LogBuffer, log *zap.Logger) (*runtime, error) {
	r := &runtime{
		cfg:       cfg,
		log:       log,
		sessionID: uuid.NewString(),
		faults:    diag.NewRecorder(cfg.Supervisor.FaultLog),
		dlog:      diag.NewDataLog(cfg.Supervisor.DataLog),
		upd:       &update.Reporter{},
	}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	store, rdb, err := openStore(cfg.Settings)
	if err != nil {
		return nil, err
	}
	r.store, r.rdb = store, rdb
	st, err := seedSettings(ctx, store, cfg)
	if err != nil {
		// A corrupt store must not keep the device from running on safe values.
		log.Warn("settings load failed; using defaults", zap.Error(err))
	}

	sink, err := r.openSinks()
	if err != nil {
		return nil, err
	}

	bus, err := i2c.Open(cfg.Sensors.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("i2c open %s: %w", cfg.Sensors.I2CBus, err)
	}
	r.bus = bus
	r.press = r.openPressure(bus)
	r.press.Prime()

	br, err := motor.OpenBridge(cfg.Hardware())
	if err != nil {
		return nil, fmt.Errorf("motor bridge: %w", err)
	}
	r.bridge = br
	drv, err := motor.New(br, cfg.MotorProfile(), log.Named("motor"))
	if err != nil {
		return nil, err
	}
	if err := br.Attach(drv); err != nil {
		return nil, fmt.Errorf("motor bridge attach: %w", err)
	}
	r.drv = drv

	ctrl, err := autopap.New(st.Limits, drv, log.Named("autopap"),
		autopap.WithTuning(cfg.Tuning()),
		autopap.WithEventHook(func(e autopap.Event) {
			sink.Event(telemetry.Event{
				At:     e.At,
				Name:   e.Kind.String(),
				Detail: fmt.Sprintf("epap %.2f->%.2f", e.EPAPBefore, e.EPAPAfter),
			})
		}),
	)
	if err != nil {
		return nil, err
	}
	r.ctrl = ctrl

	if cfg.Accessory.Enable {
		r.acc, err = r.openAccessories(bus)
		if err != nil {
			return nil, err
		}
	}
	if err := applySettings(ctrl, r.acc, st); err != nil {
		return nil, fmt.Errorf("apply settings: %w", err)
	}

	opts := []supervisor.Option{
		supervisor.WithIndicator(supervisor.LogIndicator{Log: log.Named("indicator")}),
		supervisor.WithSink(sink),
		supervisor.WithRecorder(r.faults),
		supervisor.WithDataLog(r.dlog),
		supervisor.WithUpdateStatus(r.upd),
	}
	if r.acc != nil {
		opts = append(opts, supervisor.WithAccessories(r.acc.Snapshot))
	}
	if r.mqtt != nil && st.Advertise {
		opts = append(opts, supervisor.WithSession(r.mqtt.Announce(st.DeviceName, time.Now())))
	}
	sup, err := supervisor.New(cfg.SupervisorConfig(), r.press, drv, ctrl, log.Named("supervisor"), opts...)
	if err != nil {
		return nil, err
	}
	r.sup = sup

	if cfg.Web.Enable {
		r.web = web.New(web.Deps{
			Supervisor:  sup,
			Therapy:     ctrl,
			Motor:       drv,
			Settings:    store,
			Apply:       func(s settings.Settings) error { return applySettings(ctrl, r.acc, s) },
			Faults:      r.faults,
			DataLog:     r.dlog,
			Logs:        logs,
			Accessories: r.accessorySnapshot,
			Update:      &update.Stager{Path: cfg.Update.Path, Reporter: r.upd, MaxBytes: cfg.Update.MaxBytes},
			SessionID:   r.sessionID,
			Log:         log.Named("web"),
		})
	}

	ok = true
	return r, nil
}

func (r *runtime) openSinks() (telemetry.Sink, error) {
	fan := telemetry.Fanout{telemetry.LogSink{Log: r.log.Named("event")}}
	if r.cfg.Telemetry.MQTT.Enable {
		m, err := telemetry.NewMQTTSink(r.cfg.MQTT(), r.faults.CSV, r.log.Named("mqtt"))
		if err != nil {
			return nil, err
		}
		r.mqtt = m
		fan = append(fan, m)
	}
	if u := r.cfg.Telemetry.UDP; u.Enable {
		s, err := telemetry.NewUDPSink(u.Dest, u.Interval, r.log.Named("udp"))
		if err != nil {
			return nil, err
		}
		r.udp = s
		fan = append(fan, s)
	}
	return fan, nil
}

// openPressure builds the sensor service. A sensor that fails to initialise is
// left out; the supervisor then reports it through SensorsOK.
func (r *runtime) openPressure(bus *i2c.Bus) *pressure.Service {
	pc := r.cfg.Pressure()
	open := func(name string, addr uint16) pressure.Sensor {
		d, err := lps22.New(bus.Dev(addr), lps22.Rate75Hz)
		if err != nil {
			r.log.Error("pressure sensor init failed", zap.String("channel", name), zap.Uint16("addr", addr), zap.Error(err))
			return nil
		}
		return d
	}
	mask := open("mask", pc.MaskAddr)
	blower := open("blower", pc.BlowerAddr)

	vr := vin.NewReader(r.cfg.Sensors.VinPath)
	vr.Divider = r.cfg.Sensors.Divider
	return pressure.New(pc, mask, blower, bus, vr, r.log.Named("pressure"))
}

func (r *runtime) openAccessories(bus *i2c.Bus) (*accessory.Poller, error) {
	ac := r.cfg.AccessoryConfig()
	rail, err := accessory.OpenRail(ac.RailPin)
	if err != nil {
		return nil, fmt.Errorf("accessory rail: %w", err)
	}
	return accessory.New(ac, bus.Dev(ac.HumidifierAddr), bus.Dev(ac.HoseAddr), rail, r.log.Named("accessory")), nil
}

func (r *runtime) accessorySnapshot() accessory.Snapshot {
	if r.acc == nil {
		return accessory.Snapshot{}
	}
	return r.acc.Snapshot()
}

// Run blocks until ctx is done. A component that fails early cancels the rest.
func (r *runtime) Run(ctx context.Context, cancel context.CancelFunc) error {
	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("component stopped", zap.String("component", name), zap.Error(err))
				cancel()
			}
		}()
	}

	goRun("motor", r.drv.Run)
	if r.acc != nil {
		if err := r.acc.Start(ctx); err != nil {
			return err
		}
	}
	if r.web != nil {
		listen := r.cfg.Web.Listen
		goRun("web", func(ctx context.Context) error { return r.web.Serve(ctx, listen) })
	}

	err := r.sup.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases hardware in reverse order of acquisition. Safe on a partially
// built runtime.
func (r *runtime) Close() {
	if r.acc != nil {
		r.acc.Close()
	}
	if r.drv != nil {
		r.drv.Stop()
	}
	if r.bridge != nil {
		if err := r.bridge.Close(); err != nil {
			r.log.Warn("motor bridge close", zap.Error(err))
		}
	}
	if r.bus != nil {
		_ = r.bus.Close()
	}
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.udp != nil {
		_ = r.udp.Close()
	}
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
}

// openStore returns the configured settings backend. The redis client is
// returned so the caller can close it.
func openStore(sc config.SettingsConfig) (settings.Store, *redis.Client, error) {
	switch sc.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		return settings.NewRedisStore(rdb, sc.RedisKey), rdb, nil
	case "file", "":
		return settings.FileStore{Path: sc.Path}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown settings backend %q", sc.Backend)
	}
}

// seedSettings loads the stored settings. When nothing has been saved the
// configured therapy limits and mode are used.
func seedSettings(ctx context.Context, store settings.Store, cfg config.Config) (settings.Settings, error) {
	st, err := store.Load(ctx)
	if err == nil {
		return st, nil
	}
	def := settings.Default()
	def.Mode = cfg.TherapyMode()
	def.Limits = cfg.Therapy.Limits
	if errors.Is(err, settings.ErrNotFound) {
		return def, nil
	}
	return def, err
}

type therapyControl interface {
	SetMode(m autopap.Mode) error
	SetLimits(lim autopap.Limits) error
	SetTitration(on bool)
}

// applySettings pushes s into the running controller and accessories.
func applySettings(ctrl therapyControl, acc *accessory.Poller, s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := ctrl.SetMode(s.Mode); err != nil {
		return err
	}
	if err := ctrl.SetLimits(s.Limits); err != nil {
		return err
	}
	ctrl.SetTitration(s.AutoPAP)
	if acc != nil {
		acc.SetTargets(s.TargetRH, s.TubeDeltaC)
	}
	return nil
}
