package diag

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"sync"
	"time"

	"ozealis-ng/internal/ring"
)

// DataLogHeader names the columns of a data log line. The live CSV stream uses the same layout.
const DataLogHeader = "ts_ms,setpoint,diff,flow,vin,mode"

// DefaultDataLogDepth is ten minutes at one line per second.
const DefaultDataLogDepth = 600

// Line is one data log sample.
type Line struct {
	At         time.Time `json:"at"`
	UptimeMs   uint64    `json:"ts_ms"`
	SetpointCm float64   `json:"setpoint_cm"`
	DiffHPa    float64   `json:"diff_hpa"`
	FlowHPa    float64   `json:"flow_hpa"`
	VinV       float64   `json:"vin_v"`
	Mode       uint8     `json:"mode"`
}

// String renders l without a trailing newline.
func (l Line) String() string {
	var b bytes.Buffer
	cw := csv.NewWriter(&b)
	_ = cw.Write(l.record())
	cw.Flush()
	return string(bytes.TrimRight(b.Bytes(), "\n"))
}

func (l Line) record() []string {
	return []string{
		strconv.FormatUint(l.UptimeMs, 10),
		f2(l.SetpointCm),
		f2(l.DiffHPa),
		f2(l.FlowHPa),
		f2(l.VinV),
		strconv.Itoa(int(l.Mode)),
	}
}

// DataLog is a bounded history of 1 Hz samples; the oldest line is dropped when full.
type DataLog struct {
	mu    sync.Mutex
	lines *ring.Ring[Line]
}

func NewDataLog(depth int) *DataLog {
	if depth <= 0 {
		depth = DefaultDataLogDepth
	}
	return &DataLog{lines: ring.New[Line](depth)}
}

func (d *DataLog) Push(l Line) {
	d.mu.Lock()
	d.lines.Push(l)
	d.mu.Unlock()
}

// Snapshot returns up to tail newest lines (all when tail <= 0) and the dropped count.
func (d *DataLog) Snapshot(tail int) (lines []Line, dropped uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.Tail(tail), d.lines.Dropped()
}

func (d *DataLog) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.Len()
}

// WriteCSV writes every kept line, oldest first, without a header.
func (d *DataLog) WriteCSV(w io.Writer) error {
	lines, _ := d.Snapshot(0)
	cw := csv.NewWriter(w)
	for _, l := range lines {
		if err := cw.Write(l.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
