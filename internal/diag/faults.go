package diag

import (
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"ozealis-ng/internal/ring"
)

// FaultCSVHeader is the first line of the fault log.
const FaultCSVHeader = "ts_ms,sys_mode,fault,vin_V,pMask_hPa,pBlower_hPa,ambient_hPa,diff_hPa,setpoint_cm,flowProxy_hPa,motorAmp,loop_us,miss1,miss2,i2cErr1,i2cErr2"

// DefaultFaultDepth is how many snapshots are kept before the oldest is overwritten.
const DefaultFaultDepth = 32

// Snapshot is captured when the supervisor raises a fault. Mode and Fault are
// the numeric codes of the supervisor enums; the names ride along for JSON.
type Snapshot struct {
	At         time.Time `json:"at"`
	UptimeMs   uint64    `json:"ts_ms"`
	Mode       uint8     `json:"sys_mode"`
	ModeName   string    `json:"sys_mode_name"`
	Fault      uint8     `json:"fault"`
	FaultName  string    `json:"fault_name"`
	VinV       float64   `json:"vin_v"`
	MaskHPa    float64   `json:"p_mask_hpa"`
	BlowerHPa  float64   `json:"p_blower_hpa"`
	AmbientHPa float64   `json:"ambient_hpa"`
	DiffHPa    float64   `json:"diff_hpa"`
	SetpointCm float64   `json:"setpoint_cm"`
	FlowHPa    float64   `json:"flow_proxy_hpa"`
	MotorAmp   uint8     `json:"motor_amp"`
	LoopUs     uint16    `json:"loop_us"`
	Miss       [2]uint16 `json:"miss"`
	BusErr     [2]int8   `json:"i2c_err"`
}

// Recorder keeps the most recent fault snapshots and the last control loop duration.
type Recorder struct {
	mu     sync.Mutex
	faults *ring.Ring[Snapshot]
	loopUs uint16
}

func NewRecorder(depth int) *Recorder {
	if depth <= 0 {
		depth = DefaultFaultDepth
	}
	return &Recorder{faults: ring.New[Snapshot](depth)}
}

// NoteLoop records the duration of the last control tick, saturating at 65535 µs.
func (r *Recorder) NoteLoop(d time.Duration) {
	us := d.Microseconds()
	if us <= 0 {
		return
	}
	if us > math.MaxUint16 {
		us = math.MaxUint16
	}
	r.mu.Lock()
	r.loopUs = uint16(us)
	r.mu.Unlock()
}

func (r *Recorder) LoopUs() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopUs
}

// Capture stores s, stamping it with the last loop duration.
func (r *Recorder) Capture(s Snapshot) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.LoopUs = r.loopUs
	r.faults.Push(s)
	return s
}

// Faults returns the kept snapshots, oldest first.
func (r *Recorder) Faults() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults.Tail(0)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults.Len()
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults.Reset()
}

// WriteCSV writes the header and one line per kept snapshot.
func (r *Recorder) WriteCSV(w io.Writer) error {
	if _, err := io.WriteString(w, FaultCSVHeader+"\n"); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	for _, s := range r.Faults() {
		if err := cw.Write(faultRecord(s)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV is the whole fault log as a string.
func (r *Recorder) CSV() string {
	var b bytes.Buffer
	_ = r.WriteCSV(&b)
	return b.String()
}

func faultRecord(s Snapshot) []string {
	return []string{
		strconv.FormatUint(s.UptimeMs, 10),
		strconv.Itoa(int(s.Mode)),
		strconv.Itoa(int(s.Fault)),
		f2(s.VinV),
		f2(s.MaskHPa),
		f2(s.BlowerHPa),
		f2(s.AmbientHPa),
		f2(s.DiffHPa),
		f2(s.SetpointCm),
		f2(s.FlowHPa),
		strconv.Itoa(int(s.MotorAmp)),
		strconv.Itoa(int(s.LoopUs)),
		strconv.Itoa(int(s.Miss[0])),
		strconv.Itoa(int(s.Miss[1])),
		strconv.Itoa(int(s.BusErr[0])),
		strconv.Itoa(int(s.BusErr[1])),
	}
}

// f2 formats with two decimals; NaN prints as "nan".
func f2(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
