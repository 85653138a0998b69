package motor

// Vector is the signed drive magnitude for phases U, V and W.
// Positive values select the high side, negative the low side, zero floats the phase.
type Vector [3]int16

// angleStep is 60 electrical degrees on the 0..255 scale (256*60/360).
const angleStep = 43

// sineTable holds sin(2*pi*i/256) scaled to -128..127.
var sineTable = [256]int8{
	0, 3, 6, 9, 12, 15, 18, 21, 24, 27, 30, 34, 37, 39, 42, 45,
	48, 51, 54, 57, 60, 62, 65, 68, 70, 73, 75, 78, 80, 83, 85, 87,
	90, 92, 94, 96, 98, 100, 102, 104, 106, 107, 109, 110, 112, 113, 115, 116,
	117, 118, 120, 121, 122, 122, 123, 124, 125, 125, 126, 126, 126, 127, 127, 127,
	127, 127, 127, 127, 126, 126, 126, 125, 125, 124, 123, 122, 122, 121, 120, 118,
	117, 116, 115, 113, 112, 110, 109, 107, 106, 104, 102, 100, 98, 96, 94, 92,
	90, 87, 85, 83, 80, 78, 75, 73, 70, 68, 65, 62, 60, 57, 54, 51,
	48, 45, 42, 39, 37, 34, 30, 27, 24, 21, 18, 15, 12, 9, 6, 3,
	0, -4, -7, -10, -13, -16, -19, -22, -25, -28, -31, -35, -38, -40, -43, -46,
	-49, -52, -55, -58, -61, -63, -66, -69, -71, -74, -76, -79, -81, -84, -86, -88,
	-91, -93, -95, -97, -99, -101, -103, -105, -107, -108, -110, -111, -113, -114, -116, -117,
	-118, -119, -121, -122, -123, -123, -124, -125, -126, -126, -127, -127, -127, -128, -128, -128,
	-128, -128, -128, -128, -127, -127, -127, -126, -126, -125, -124, -123, -123, -122, -121, -119,
	-118, -117, -116, -114, -113, -111, -110, -108, -107, -105, -103, -101, -99, -97, -95, -93,
	-91, -88, -86, -84, -81, -79, -76, -74, -71, -69, -66, -63, -61, -58, -55, -52,
	-49, -46, -43, -40, -38, -35, -31, -28, -25, -22, -19, -16, -13, -10, -7, -4}

// trapTable is the 6-step trapezoid sequence: two phases energised, one floating.
var trapTable = [6]struct {
	drive    [3]int8
	floating int
}{
	{drive: [3]int8{+1, -1, 0}, floating: 2},
	{drive: [3]int8{+1, 0, -1}, floating: 1},
	{drive: [3]int8{0, +1, -1}, floating: 0},
	{drive: [3]int8{-1, +1, 0}, floating: 2},
	{drive: [3]int8{-1, 0, +1}, floating: 1},
	{drive: [3]int8{0, -1, +1}, floating: 0},
}

// sineVector scales the three 120-degree shifted table entries by amp.
func sineVector(angle, amp uint8) Vector {
	a := int32(amp)
	return Vector{
		int16((int32(sineTable[angle]) * a) >> 7),
		int16((int32(sineTable[angle+85]) * a) >> 7),
		int16((int32(sineTable[angle+171]) * a) >> 7),
	}
}

// trapVector returns the drive vector for one trapezoid step and the phase left floating.
func trapVector(step int, mag uint8) (Vector, int) {
	e := trapTable[((step%6)+6)%6]
	var v Vector
	for i, s := range e.drive {
		v[i] = int16(s) * int16(mag)
	}
	return v, e.floating
}

// sineFloatingPhase is the phase whose back-EMF crosses zero at the next
// sector boundary when driving sinusoidally at angle.
func sineFloatingPhase(angle uint8) int {
	return (int(angle)/angleStep + 1) % 3
}
