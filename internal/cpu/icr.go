package cpu

// Icr is the x2APIC interrupt command register value. The destination
// occupies the full upper 32 bits; x2APIC destinations are never the 8-bit
// xAPIC form.
type Icr uint64

// IcrMessageType is the ICR delivery mode. Gaps in the encoding read back
// as MessageTypeUnknown.
type IcrMessageType uint8

const (
	MessageTypeFixed   IcrMessageType = 0
	MessageTypeUnknown IcrMessageType = 3
	MessageTypeNMI     IcrMessageType = 4
	MessageTypeInit    IcrMessageType = 5
	MessageTypeSipi    IcrMessageType = 6
	MessageTypeExtInt  IcrMessageType = 7
)

// IcrDestFmt is the ICR destination shorthand.
type IcrDestFmt uint8

const (
	DestExplicit    IcrDestFmt = 0
	DestOnlySelf    IcrDestFmt = 1
	DestAllWithSelf IcrDestFmt = 2
	DestAllButSelf  IcrDestFmt = 3
)

const (
	icrTriggerMode     Icr = 1 << 15
	icrAssert          Icr = 1 << 14
	icrDeliveryStatus  Icr = 1 << 12
	icrDestinationMode Icr = 1 << 11
)

func (i Icr) Vector() uint8 { return uint8(i) }

func (i Icr) MessageType() IcrMessageType {
	switch t := IcrMessageType(i >> 8 & 7); t {
	case MessageTypeFixed, MessageTypeNMI, MessageTypeInit, MessageTypeSipi, MessageTypeExtInt:
		return t
	default:
		return MessageTypeUnknown
	}
}

// LogicalDestination reports whether the destination field is a logical
// cluster/mask pair rather than a physical APIC ID.
func (i Icr) LogicalDestination() bool { return i&icrDestinationMode != 0 }

func (i Icr) DeliveryStatus() bool { return i&icrDeliveryStatus != 0 }
func (i Icr) Assert() bool         { return i&icrAssert != 0 }

// TriggerModeLevel reports a level-triggered request.
func (i Icr) TriggerModeLevel() bool { return i&icrTriggerMode != 0 }

func (i Icr) RemoteReadStatus() uint8 { return uint8(i >> 16 & 3) }

func (i Icr) DestinationShorthand() IcrDestFmt { return IcrDestFmt(i >> 18 & 3) }

func (i Icr) Destination() uint32 { return uint32(i >> 32) }

func (i Icr) WithVector(v uint8) Icr {
	return i&^0xFF | Icr(v)
}

func (i Icr) WithMessageType(t IcrMessageType) Icr {
	return i&^(7<<8) | Icr(t&7)<<8
}

func (i Icr) WithLogicalDestination(logical bool) Icr {
	if logical {
		return i | icrDestinationMode
	}
	return i &^ icrDestinationMode
}

func (i Icr) WithAssert(assert bool) Icr {
	if assert {
		return i | icrAssert
	}
	return i &^ icrAssert
}

func (i Icr) WithDestinationShorthand(f IcrDestFmt) Icr {
	return i&^(3<<18) | Icr(f&3)<<18
}

func (i Icr) WithDestination(d uint32) Icr {
	return i&(1<<32-1) | Icr(d)<<32
}

// LogicalMatch reports whether a logical-mode destination addresses apicID.
// The upper 16 destination bits name a cluster of sixteen APICs and the
// lower 16 bits are a member mask within that cluster.
func LogicalMatch(dest, apicID uint32) bool {
	if dest>>16 != apicID>>4 {
		return false
	}
	return dest&0xFFFF&(1<<(apicID&0xF)) != 0
}
