// ipistress drives the cross-CPU messaging core: alternating broadcast
// and mutating unicast rounds across a virtual cluster, with payload
// verification and an optional binary interrupt trace.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/aegisvm/aegis/internal/config"
	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/itrace"
	"github.com/aegisvm/aegis/internal/platform"
	"github.com/aegisvm/aegis/internal/smp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func patternByte(seq uint32, i int) byte {
	return byte(seq) + byte(i)*3
}

// fanoutMessage is the broadcast payload: a sequence number followed by a
// deterministic pattern every receiver verifies byte for byte.
type fanoutMessage struct {
	seq      uint32
	size     int
	received *atomic.Int64
	corrupt  *atomic.Int64
}

func (m *fanoutMessage) CopyToShared(buf []byte) int {
	binary.LittleEndian.PutUint32(buf, m.seq)
	for i := 0; i < m.size; i++ {
		buf[4+i] = patternByte(m.seq, i)
	}
	return 4 + m.size
}

func (m *fanoutMessage) Invoke(shared []byte) {
	seq := binary.LittleEndian.Uint32(shared)
	for i, b := range shared[4:] {
		if b != patternByte(seq, i) {
			m.corrupt.Add(1)
			return
		}
	}
	m.received.Add(1)
}

// counterMessage is the unicast payload: the receiver increments the
// counter and inverts the pattern, so the sender can verify both
// directions of the copy.
type counterMessage struct {
	value uint64
	seq   uint32
	size  int

	reply uint64
	ok    bool
}

func (m *counterMessage) CopyToShared(buf []byte) int {
	binary.LittleEndian.PutUint64(buf, m.value)
	for i := 0; i < m.size; i++ {
		buf[8+i] = patternByte(m.seq, i)
	}
	return 8 + m.size
}

func (m *counterMessage) InvokeMut(shared []byte) {
	binary.LittleEndian.PutUint64(shared, binary.LittleEndian.Uint64(shared)+1)
	for i := 8; i < len(shared); i++ {
		shared[i] ^= 0xFF
	}
}

func (m *counterMessage) CopyFromShared(shared []byte) {
	m.reply = binary.LittleEndian.Uint64(shared)
	m.ok = true
	for i, b := range shared[8:] {
		if b != patternByte(m.seq, i)^0xFF {
			m.ok = false
			return
		}
	}
}

// The largest header is the unicast counter; both message kinds must fit
// the board with the configured payload behind it.
const headerSize = 8

type stress struct {
	cfg config.Config

	received atomic.Int64
	corrupt  atomic.Int64
}

func (s *stress) broadcast(n *smp.Node, seq uint32) error {
	m := &fanoutMessage{
		seq:      seq,
		size:     s.cfg.Stress.PayloadBytes,
		received: &s.received,
		corrupt:  &s.corrupt,
	}
	return n.Call(func(a *cpu.Area) error {
		itrace.Record(itrace.KindIPISend, a.APICID(), uint8(seq))
		a.SendMulticast(cpu.TargetAll, m)
		itrace.Record(itrace.KindIPIDone, a.APICID(), uint8(seq))
		return nil
	})
}

func (s *stress) unicast(n *smp.Node, to int, seq uint32) error {
	m := &counterMessage{value: uint64(seq), seq: seq, size: s.cfg.Stress.PayloadBytes}
	err := n.Call(func(a *cpu.Area) error {
		itrace.Record(itrace.KindIPISend, a.APICID(), uint8(seq))
		a.SendUnicast(to, m)
		itrace.Record(itrace.KindIPIDone, a.APICID(), uint8(seq))
		return nil
	})
	if err != nil {
		return err
	}
	if m.reply != uint64(seq)+1 {
		return fmt.Errorf("round %d: unicast reply %d, want %d", seq, m.reply, uint64(seq)+1)
	}
	if !m.ok {
		return fmt.Errorf("round %d: unicast payload corrupted", seq)
	}
	return nil
}

func (s *stress) run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cpus := fs.Int("cpus", 4, "number of virtual CPUs when no config file is given")
	rounds := fs.Int("rounds", 0, "number of send rounds, overriding the config")
	payload := fs.Int("payload", -1, "payload bytes per message, overriding the config")
	configPath := fs.String("config", "", "cluster topology and policy file")
	tracePath := fs.String("trace", "", "record a binary interrupt trace for later analysis")
	dump := fs.Bool("dumpConfig", false, "print the effective config and exit")
	dbg := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if *dbg {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		s.cfg = cfg
	} else {
		s.cfg = config.Default(*cpus)
	}
	if *rounds > 0 {
		s.cfg.Stress.Rounds = *rounds
	}
	if *payload >= 0 {
		s.cfg.Stress.PayloadBytes = *payload
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.cfg.Stress.PayloadBytes+headerSize > cpu.MaxMessageSize {
		return fmt.Errorf("payload of %d bytes does not fit a %d byte message",
			s.cfg.Stress.PayloadBytes, cpu.MaxMessageSize)
	}

	if *dump {
		return s.cfg.Write(os.Stdout)
	}

	if *tracePath != "" {
		if err := itrace.OpenFile(*tracePath); err != nil {
			return fmt.Errorf("failed to open trace: %w", err)
		}
		defer itrace.Close()
	}

	c, err := smp.New(s.cfg, platform.NewLoopback())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		return err
	}

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		pb = progressbar.Default(int64(s.cfg.Stress.Rounds))
		defer pb.Close()
	}

	n := c.Len()
	broadcasts, unicasts := 0, 0
	start := time.Now()

	for round := 0; round < s.cfg.Stress.Rounds; round++ {
		sender := c.Node(round % n)
		if round%2 == 0 {
			if err := s.broadcast(sender, uint32(round)); err != nil {
				return err
			}
			broadcasts++
		} else {
			if err := s.unicast(sender, (round+1)%n, uint32(round)); err != nil {
				return err
			}
			unicasts++
		}
		if pb != nil {
			pb.Add(1)
		}
	}

	elapsed := time.Since(start)

	if got, want := s.received.Load(), int64(broadcasts*n); got != want {
		return fmt.Errorf("broadcast deliveries: %d, want %d", got, want)
	}
	if bad := s.corrupt.Load(); bad != 0 {
		return fmt.Errorf("%d corrupted broadcast payloads", bad)
	}

	deliveries := s.received.Load() + int64(unicasts)
	fmt.Printf("cluster: %d cpus, %d rounds, %d byte payload\n",
		n, s.cfg.Stress.Rounds, s.cfg.Stress.PayloadBytes)
	fmt.Printf("delivered: %d messages in %s (%.0f msg/s)\n",
		deliveries, elapsed.Round(time.Millisecond),
		float64(deliveries)/elapsed.Seconds())

	if *tracePath != "" {
		slog.Info("trace written", "path", *tracePath)
	}
	return nil
}

func main() {
	s := stress{}

	if err := s.run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run stress: %v\n", err)
		os.Exit(1)
	}
}
