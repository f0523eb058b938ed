// Cross-CPU messaging. A sender publishes a message on its own bulletin
// board, marks itself in each receiver's request set and interrupts them,
// then spins until every receiver has run the handler. Multicast messages
// are delivered read-only to any number of CPUs; unicast messages go to a
// single CPU which may rewrite the payload for the sender to read back.
//
// Sends run with the task priority raised to LevelSynch and handlers run
// at LevelIPI. LevelIPI is the higher of the two, so a CPU spinning in a
// send still takes incoming requests, and a handler can never start
// another send.

package cpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// MaxMessageSize is the size of a bulletin board's payload buffer.
// Messages must serialize within it.
const MaxMessageSize = 1024

// Target selects the CPUs addressed by an IPI, by dense CPU index.
type Target struct {
	kind targetKind
	cpu  int
	set  CpuSet
}

type targetKind uint8

const (
	targetSingle targetKind = iota
	targetMultiple
	targetAllButSelf
	targetAll
)

var (
	// TargetAll addresses every broadcast participant, the sender
	// included.
	TargetAll = Target{kind: targetAll}
	// TargetAllButSelf addresses every broadcast participant except the
	// sender.
	TargetAllButSelf = Target{kind: targetAllButSelf}
)

// TargetSingle addresses one CPU.
func TargetSingle(cpu int) Target {
	return Target{kind: targetSingle, cpu: cpu}
}

// TargetMultiple addresses the CPUs in set.
func TargetMultiple(set CpuSet) Target {
	return Target{kind: targetMultiple, set: set}
}

// Message is a multicast IPI payload. CopyToShared serializes the message
// into the sender's board buffer and returns the bytes used. Invoke runs
// on every receiving CPU against those shared bytes; because receivers
// execute in a different CPU context, it must take everything it needs
// from shared and never from sender-local state.
type Message interface {
	CopyToShared(buf []byte) int
	Invoke(shared []byte)
}

// MessageMut is a unicast IPI payload. The single receiver may rewrite the
// shared bytes in InvokeMut; the sender observes the result through
// CopyFromShared after the send completes. The same cross-context rule as
// Message applies to both sides.
type MessageMut interface {
	CopyToShared(buf []byte) int
	InvokeMut(shared []byte)
	CopyFromShared(shared []byte)
}

type ipiRequest uint8

const (
	ipiShared ipiRequest = iota
	ipiMut
)

// ipiBoard is a CPU's bulletin board for outgoing messages. The owner
// populates it before marking any receiver and must not touch it again
// until the pending count returns to zero; the count is what hands
// ownership back.
type ipiBoard struct {
	// Receivers that have yet to finish the current request.
	pending atomic.Int64

	kind    ipiRequest
	size    int
	invoke  func(shared []byte)
	message [MaxMessageSize]byte
}

// SendMulticast delivers m to every CPU in target and returns once all of
// them have run the handler. The sender must be at or below LevelSynch.
func (a *Area) SendMulticast(target Target, m Message) {
	a.sendIPI(target, ipiShared, m.CopyToShared, m.Invoke, nil)
}

// SendUnicast delivers m to one CPU and copies the receiver's reply back
// into m before returning.
func (a *Area) SendUnicast(cpu int, m MessageMut) {
	a.sendIPI(TargetSingle(cpu), ipiMut, m.CopyToShared, m.InvokeMut, m.CopyFromShared)
}

func (a *Area) sendIPI(target Target, kind ipiRequest, copyTo func([]byte) int, invoke func([]byte), copyFrom func([]byte)) {
	// Raising to the synch level excludes reentrant sends on this CPU:
	// a second send before the first completes would reuse the live board.
	guard := RaiseTpr(&a.priority, LevelSynch)
	defer guard.Release()

	board := &a.board
	if n := board.pending.Load(); n != 0 {
		panic(fmt.Sprintf("cpu %d: ipi board reused with %d receivers pending", a.cpuIndex, n))
	}
	board.kind = kind
	board.invoke = invoke
	board.size = copyTo(board.message[:])
	if board.size > MaxMessageSize {
		panic(fmt.Sprintf("cpu %d: ipi message of %d bytes", a.cpuIndex, board.size))
	}

	// Advise every receiver that a message is posted. Each receiver's
	// pending increment happens before its request bit so the count can
	// never go negative, and a transient zero cannot be observed because
	// the sender only starts waiting after the last post.
	includeSelf := false
	sendInterrupt := false
	irqTarget := target
	switch target.kind {
	case targetSingle:
		if target.cpu == a.cpuIndex {
			includeSelf = true
		} else {
			board.pending.Store(1)
			a.dir.ByIndex(target.cpu).postIPIRequest(a.cpuIndex)
			sendInterrupt = true
		}

	case targetMultiple:
		set := target.set
		set.ForEach(func(cpu int) {
			if cpu == a.cpuIndex {
				includeSelf = true
				return
			}
			board.pending.Add(1)
			a.dir.ByIndex(cpu).postIPIRequest(a.cpuIndex)
			sendInterrupt = true
		})
		if includeSelf {
			set.Remove(a.cpuIndex)
			irqTarget = TargetMultiple(set)
		}

	case targetAll, targetAllButSelf:
		for _, other := range a.dir.areas {
			if other.cpuIndex == a.cpuIndex || !other.IPIParticipant() {
				continue
			}
			board.pending.Add(1)
			other.postIPIRequest(a.cpuIndex)
			sendInterrupt = true
		}
		includeSelf = target.kind == targetAll
		irqTarget = TargetAllButSelf
	}

	if sendInterrupt {
		if err := a.postIPIIrq(irqTarget); err != nil {
			panic(fmt.Sprintf("cpu %d: posting ipi interrupt: %v", a.cpuIndex, err))
		}
	}

	// A self-addressed message is handled in place, at the same priority
	// a remote handler would run at.
	if includeSelf {
		g := RaiseTpr(&a.priority, LevelIPI)
		a.receiveIPI(board)
		g.Release()
	}

	// Wait for the remaining receivers. Incoming IPIs outrank LevelSynch,
	// so servicing our own interrupts here keeps two CPUs sending to each
	// other from deadlocking.
	for board.pending.Load() != 0 {
		a.ServiceIRQs()
		runtime.Gosched()
	}

	if copyFrom != nil {
		copyFrom(board.message[:board.size])
	}
}

// postIPIRequest marks sender in this CPU's request set.
func (a *Area) postIPIRequest(sender int) {
	a.ipiRequests.Insert(sender)
}

func (a *Area) postIPIIrq(target Target) error {
	icr := kickICR()
	switch target.kind {
	case targetSingle:
		return a.postSingleIPIIrq(target.cpu, icr)
	case targetMultiple:
		var err error
		target.set.ForEach(func(cpu int) {
			if err == nil {
				err = a.postSingleIPIIrq(cpu, icr)
			}
		})
		return err
	case targetAllButSelf:
		return a.dir.platform.PostIRQ(a.apicID, uint64(icr.WithDestinationShorthand(DestAllButSelf)))
	default:
		return a.dir.platform.PostIRQ(a.apicID, uint64(icr.WithDestinationShorthand(DestAllWithSelf)))
	}
}

func (a *Area) postSingleIPIIrq(cpu int, icr Icr) error {
	target := a.dir.ByIndex(cpu)
	return a.dir.platform.PostIRQ(a.apicID, uint64(icr.WithDestination(target.apicID)))
}

// HandleIPIInterrupt runs on the IPI vector: it drains the set of senders
// with posted requests and executes each sender's board. The decrement is
// the last touch of the board; after it the sender is free to reuse it.
func (a *Area) HandleIPIInterrupt() {
	a.ipiRequests.Drain(func(sender int) {
		board := &a.dir.ByIndex(sender).board
		a.receiveIPI(board)
		board.pending.Add(-1)
	})
}

func (a *Area) receiveIPI(board *ipiBoard) {
	board.invoke(board.message[:board.size])
}
