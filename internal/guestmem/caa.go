package guestmem

// Calling area byte layout. The guest and the service layer both write it,
// one byte per field so no access needs to be atomic.
const (
	caaOffCallPending   = 0
	caaOffMemAvailable  = 1
	caaOffNoEOIRequired = 2

	// CallingAreaSize is the reserved size of the structure at the head of
	// the calling area page.
	CallingAreaSize = 8
)

// CallingArea is the per-CPU structure a guest shares with the service
// layer. The NoEOIRequired byte carries the lazy EOI handshake: set when the
// guest may skip the EOI write for the interrupt just delivered, cleared by
// the guest when it consumes the hint.
type CallingArea struct {
	r *Region
}

func NewCallingArea(r *Region) *CallingArea {
	return &CallingArea{r: r}
}

func (c *CallingArea) NoEOIRequired() (bool, error) {
	v, err := c.r.ReadU8(caaOffNoEOIRequired)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (c *CallingArea) SetNoEOIRequired(set bool) error {
	var v uint8
	if set {
		v = 1
	}
	return c.r.WriteU8(caaOffNoEOIRequired, v)
}

// CallPending reports whether the guest has posted a protocol request.
func (c *CallingArea) CallPending() (bool, error) {
	v, err := c.r.ReadU8(caaOffCallPending)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (c *CallingArea) SetCallPending(set bool) error {
	var v uint8
	if set {
		v = 1
	}
	return c.r.WriteU8(caaOffCallPending, v)
}
