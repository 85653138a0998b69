package i2c

// Code is a coarse classification of the last transfer on a device, as
// reported in fault snapshots.
type Code int

const (
	CodeOK       Code = 0
	CodeNoProbe  Code = -1
	CodeAddrNACK Code = -2
	CodeDataNACK Code = -3
	CodeOther    Code = -4
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNoProbe:
		return "no_probe"
	case CodeAddrNACK:
		return "addr_nack"
	case CodeDataNACK:
		return "data_nack"
	default:
		return "other"
	}
}
