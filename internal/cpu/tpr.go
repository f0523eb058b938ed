package cpu

import (
	"fmt"
	"sync"
)

// Service-layer task priority levels. A level is a 4-bit priority class:
// an interrupt vector is deliverable only while its class (vector >> 4)
// exceeds the current level. Only the relative order of the named levels is
// load-bearing. LevelSynch sits below LevelIPI so a CPU spinning in an IPI
// send still takes incoming IPI requests, which is what makes two CPUs
// sending to each other at the same time safe.
const (
	LevelNormal uint8 = 0
	LevelSynch  uint8 = 0xC
	LevelIPI    uint8 = 0xE
)

// IPIVector is the hardware vector the cross-CPU messaging core rides on.
// Its priority class equals LevelIPI, so handlers run with further IPIs
// masked.
const IPIVector uint8 = 0xE0

// TaskPriority is one CPU's service-layer priority cell. It belongs to its
// CPU and is distinct from the guest's APIC TPR, which lives in the guest
// CPU state.
type TaskPriority struct {
	level uint8
}

func (t *TaskPriority) Level() uint8 { return t.level }

// TprGuard restores the previous task priority when released.
type TprGuard struct {
	cell *TaskPriority
	prev uint8
}

// RaiseTpr raises the cell to level and returns a guard for the previous
// value. Attempting to lower the priority is a caller bug and panics:
// code that runs with a priority floor relies on nested sections never
// dropping below it.
func RaiseTpr(cell *TaskPriority, level uint8) *TprGuard {
	if level < cell.level {
		panic(fmt.Sprintf("cpu: tpr raise to %#x below current %#x", level, cell.level))
	}
	g := &TprGuard{cell: cell, prev: cell.level}
	cell.level = level
	return g
}

// Release restores the priority saved by RaiseTpr. It runs unconditionally
// so deferred guards unwind correctly during panics.
func (g *TprGuard) Release() {
	g.cell.level = g.prev
}

// TprMutex guards state shared with IPI handlers. Locking raises the
// caller's task priority to the IPI level first: a handler running on top
// of a lower-priority holder on the same CPU would deadlock against the
// held lock.
type TprMutex struct {
	mu sync.Mutex
}

// Lock acquires the mutex at IPI priority on behalf of the CPU owning
// cell.
func (m *TprMutex) Lock(cell *TaskPriority) TprUnlocker {
	g := RaiseTpr(cell, LevelIPI)
	m.mu.Lock()
	return TprUnlocker{m: m, g: g}
}

// TprUnlocker releases a TprMutex and drops the priority raised for it.
type TprUnlocker struct {
	m *TprMutex
	g *TprGuard
}

func (u TprUnlocker) Unlock() {
	u.m.mu.Unlock()
	u.g.Release()
}
