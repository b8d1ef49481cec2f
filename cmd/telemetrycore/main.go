// Command telemetrycore wires a CAN-FD bus, the fragmentation/
// reassembly pipeline, and the router into a running node: flag-parsed
// bus selection, an explicit state machine, and a background goroutine
// running the periodic work on its own ticker while main drives the
// foreground loop.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sync/atomic"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/internal/canbus/socketcan"
	"github.com/samsamfire/telemetrycore/internal/canbus/virtual"
	"github.com/samsamfire/telemetrycore/pkg/clockext"
	"github.com/samsamfire/telemetrycore/pkg/fragment"
	"github.com/samsamfire/telemetrycore/pkg/reassembly"
	"github.com/samsamfire/telemetrycore/pkg/ring"
	"github.com/samsamfire/telemetrycore/pkg/router"
	"github.com/samsamfire/telemetrycore/pkg/subscriber"
	"github.com/samsamfire/telemetrycore/pkg/timesync"
	"github.com/samsamfire/telemetrycore/pkg/worker"
)

var fragSeq atomic.Uint32

const (
	stateInit = iota
	stateRunning
)

var defaultSideName = "can0"

// wallTicks is a [clockext.TickSource] driven by the process's wall
// clock, used when no hardware tick peripheral is available.
type wallTicks struct{ start time.Time }

func (w wallTicks) Ticks() uint32          { return uint32(time.Since(w.start).Milliseconds()) }
func (w wallTicks) TicksPerSecond() uint32 { return 1000 }

func main() {
	canInterface := flag.String("i", "can0", "socketcan interface, e.g. can0, vcan0")
	virtualBroker := flag.String("virtual", "", "dial a virtual CAN broker address instead of a real interface, e.g. 127.0.0.1:18000")
	modeFlag := flag.String("mode", "relay", "router mode: source, sink, or relay")
	tickMs := flag.Int("tick-ms", 5, "worker tick period in milliseconds")
	flag.Parse()

	logger := slog.Default()

	var bus telemetrycore.Bus
	if *virtualBroker != "" {
		bus = virtual.New(*virtualBroker)
	} else {
		b, err := socketcan.New(*canInterface)
		if err != nil {
			fmt.Printf("could not open interface %v: %v\n", *canInterface, err)
			os.Exit(1)
		}
		bus = b
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	rb := ring.New(ring.DefaultCapacity)
	rb.SetLogger(logger)
	if err := bus.Subscribe(telemetrycore.FrameListenerFunc(func(frame telemetrycore.Frame) {
		rb.Push(ring.Slot{ID: frame.ID, Len: frame.Len, Data: frame.Data})
	})); err != nil {
		fmt.Printf("could not subscribe to bus: %v\n", err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		fmt.Printf("could not connect to bus: %v\n", err)
		os.Exit(1)
	}

	clock := clockext.New(wallTicks{start: time.Now()})
	table := reassembly.New()
	table.SetLogger(logger)
	subs := subscriber.New()

	rtr := router.New(mode, clock.NowMs)
	rtr.SetLogger(logger)

	sideID, err := rtr.AddSide(defaultSideName, func(payload []byte, _ any) error {
		return transmitOnBus(bus, payload)
	}, nil, false)
	if err != nil {
		fmt.Printf("could not register bus side: %v\n", err)
		os.Exit(1)
	}

	pool := telemetrycore.NewPool(telemetrycore.DefaultPoolSize)

	syncClient := timesync.New(clock, func(payload []byte) error {
		return rtr.LogRaw(router.EndpointTimeSync, payload, false)
	})
	syncClient.SetLogger(logger)

	w, err := worker.New(worker.Config{
		Ring:        rb,
		Table:       table,
		Subscribers: subs,
		Router:      rtr,
		Sync:        syncClient,
		Pool:        pool,
		SideID:      int(sideID),
		NowMs:       clock.NowMs,
	})
	if err != nil {
		fmt.Printf("could not build worker: %v\n", err)
		os.Exit(1)
	}
	w.SetLogger(logger)

	if err := rtr.AddLocalEndpoint(router.LocalEndpoint{
		Tag: router.EndpointTimeSync,
		Handler: func(pkt router.PacketView) {
			if err := w.HandleTimeSyncReply(pkt.Payload); err != nil {
				logger.Warn("time-sync reply rejected", "err", err)
			}
		},
	}); err != nil {
		fmt.Printf("could not register time-sync endpoint: %v\n", err)
		os.Exit(1)
	}

	// The SD-card sink lives outside this module: writeSD is a no-op stub, a
	// real deployment swaps it for an actual filesystem/card write.
	if err := rtr.AddLocalEndpoint(router.LocalEndpoint{
		Tag:        router.EndpointSDCard,
		Handler:    func(router.PacketView) {},
		Serialized: writeSD,
	}); err != nil {
		fmt.Printf("could not register sd-card endpoint: %v\n", err)
		os.Exit(1)
	}

	appState := stateInit
	quit := make(chan struct{})

	for {
		switch appState {
		case stateInit:
			go func() {
				ticker := time.NewTicker(time.Duration(*tickMs) * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-quit:
						return
					case <-ticker.C:
						w.Tick()
					}
				}
			}()
			appState = stateRunning

		case stateRunning:
			// Foreground loop reserved for interactive/CLI extensions;
			// the worker goroutine above does all protocol work.
			time.Sleep(time.Second)
		}
	}
}

// writeSD is the storage-interface stub: a real node swaps this
// for an actual SD-card/filesystem write.
func writeSD(raw []byte) {}

func transmitOnBus(bus telemetrycore.Bus, payload []byte) error {
	if len(payload) <= telemetrycore.MaxFramePayload {
		wireLen, err := fragment.WireLen(uint8(len(payload)))
		if err != nil {
			return err
		}
		padded := make([]byte, wireLen)
		copy(padded, payload)
		frame, err := telemetrycore.NewFrame(0, padded)
		if err != nil {
			return err
		}
		return bus.Send(frame)
	}

	seq := uint8(fragSeq.Add(1))
	wireFrames, err := fragment.Split(payload, seq)
	if err != nil {
		return err
	}
	for _, wf := range wireFrames {
		frame, err := telemetrycore.NewFrame(0, fragment.Marshal(wf))
		if err != nil {
			return err
		}
		if err := bus.Send(frame); err != nil {
			return err
		}
	}
	return nil
}

func parseMode(s string) (router.Mode, error) {
	switch s {
	case "source":
		return router.ModeSource, nil
	case "sink":
		return router.ModeSink, nil
	case "relay":
		return router.ModeRelay, nil
	default:
		return 0, fmt.Errorf("unknown router mode %q (want source, sink, or relay)", s)
	}
}
