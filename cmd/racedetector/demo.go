// demo.go implements the 'racedetector demo' command.
package main

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"unsafe"

	"github.com/kolkov/racecore/race"
)

// scenario is a small program run under the detector.
type scenario struct {
	name        string
	description string
	races       int // races the detector must report
	run         func()
}

var scenarios = []scenario{
	{
		name:        "unsynchronized",
		description: "two goroutines write one variable without synchronization",
		races:       1,
		run:         unsynchronizedWrites,
	},
	{
		name:        "mutex",
		description: "goroutines increment a counter under a mutex",
		run:         mutexCounter,
	},
	{
		name:        "channel",
		description: "a producer hands a buffer to a consumer over a channel",
		run:         channelHandoff,
	},
	{
		name:        "waitgroup",
		description: "workers fill slots, the caller reads them after Wait",
		run:         waitGroupFanIn,
	},
	{
		name:        "release-acquire",
		description: "a payload is published with a release store and read after an acquire load",
		run:         func() { publish(race.OrderRelease, race.OrderAcquire) },
	},
	{
		name:        "relaxed-flag",
		description: "a payload is published through a relaxed flag, which orders nothing",
		races:       1,
		run:         func() { publish(race.OrderRelaxed, race.OrderRelaxed) },
	},
	{
		name:        "use-after-free",
		description: "a goroutine writes memory another goroutine freed",
		races:       1,
		run:         useAfterFree,
	},
}

func lookupScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

// demoCommand implements the 'racedetector demo' command and returns the exit code.
//
// Without arguments every scenario runs. Each scenario runs against a fresh detector
// whose reports and summary are written to w; the command fails when a scenario reports
// a different number of races than it should.
//
// Example:
//
//	racedetector demo
//	racedetector demo mutex channel
func demoCommand(w io.Writer, args []string) int {
	selected := scenarios
	if len(args) > 0 {
		selected = nil
		for _, name := range args {
			s, ok := lookupScenario(name)
			if !ok {
				fmt.Fprintf(w, "Error: unknown scenario %q\n", name)
				fmt.Fprintln(w, "Scenarios:")
				for _, s := range scenarios {
					fmt.Fprintf(w, "    %-16s %s\n", s.name, s.description)
				}
				return 2
			}
			selected = append(selected, s)
		}
	}

	failed := 0
	for _, s := range selected {
		got, err := runScenario(w, s)
		if err != nil {
			fmt.Fprintf(w, "Error: %s: %v\n", s.name, err)
			failed++
			continue
		}
		if got != s.races {
			fmt.Fprintf(w, "FAIL: %s reported %d race(s), want %d\n\n", s.name, got, s.races)
			failed++
			continue
		}
		fmt.Fprintf(w, "ok: %s\n\n", s.name)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// runScenario runs s under a fresh detector and returns the number of races reported.
func runScenario(w io.Writer, s scenario) (int, error) {
	fmt.Fprintf(w, "=== %s: %s ===\n", s.name, s.description)
	if err := race.Init(race.WithOutput(w)); err != nil {
		return 0, err
	}
	s.run()
	if err := race.Fini(); err != nil {
		return 0, err
	}
	return race.Errors(), nil
}

func addr[T any](p *T) uintptr {
	return uintptr(unsafe.Pointer(p))
}

func unsynchronizedWrites() {
	var x int
	a := race.Go(func() {
		x = 1
		race.RaceWrite(addr(&x))
	})
	b := race.Go(func() {
		x = 2
		race.RaceWrite(addr(&x))
	})
	a.Wait()
	b.Wait()
}

func mutexCounter() {
	var (
		mu      sync.Mutex
		counter int
	)
	workers := make([]*race.Goroutine, 4)
	for i := range workers {
		workers[i] = race.Go(func() {
			for j := 0; j < 10; j++ {
				mu.Lock()
				race.RaceAcquire(addr(&mu))
				race.RaceRead(addr(&counter))
				counter++
				race.RaceWrite(addr(&counter))
				race.RaceRelease(addr(&mu))
				mu.Unlock()
			}
		})
	}
	for _, g := range workers {
		g.Wait()
	}
	race.RaceRead(addr(&counter))
}

func channelHandoff() {
	ch := make(chan []byte, 1)
	done := make(chan struct{})
	chAddr := addr(&ch)

	race.Go(func() {
		buf := make([]byte, 64)
		for i := range buf {
			buf[i] = byte(i)
		}
		race.RaceWriteRange(addr(&buf[0]), uintptr(len(buf)))
		race.RaceChannelSend(chAddr)
		ch <- buf
	})
	consumer := race.Go(func() {
		buf := <-ch
		race.RaceChannelRecv(chAddr)
		race.RaceReadRange(addr(&buf[0]), uintptr(len(buf)))
		close(done)
	})
	<-done
	consumer.Wait()
}

func waitGroupFanIn() {
	var wg sync.WaitGroup
	slots := make([]int64, 8)
	wgAddr := addr(&wg)

	for i := range slots {
		wg.Add(1)
		race.RaceWaitGroupAdd(wgAddr, 1)
		race.Go(func() {
			slots[i] = int64(i * i)
			race.RaceWriteRange(addr(&slots[i]), 8)
			race.RaceWaitGroupDone(wgAddr)
			wg.Done()
		})
	}
	wg.Wait()
	race.RaceWaitGroupWait(wgAddr)
	race.RaceReadRange(addr(&slots[0]), uintptr(len(slots))*8)
}

// publish writes a payload on one goroutine and reads it on another once a flag set
// with the store order is seen with the load order.
func publish(store, load race.MemoryOrder) {
	var (
		payload [4]int64
		flag    int32
	)
	writer := race.Go(func() {
		for i := range payload {
			payload[i] = int64(i + 1)
		}
		race.RaceWriteRange(addr(&payload), uintptr(unsafe.Sizeof(payload)))
		race.AtomicStore32(&flag, 1, store)
	})
	reader := race.Go(func() {
		for race.AtomicLoad32(&flag, load) == 0 {
			runtime.Gosched()
		}
		race.RaceReadRange(addr(&payload), uintptr(unsafe.Sizeof(payload)))
	})
	writer.Wait()
	reader.Wait()
}

func useAfterFree() {
	buf := make([]byte, 16)
	start := make(chan struct{})

	// The writer starts before the free and nothing orders its write after it.
	writer := race.Go(func() {
		<-start
		buf[0] = 1
		race.RaceWrite(addr(&buf[0]))
	})
	race.RaceFree(addr(&buf[0]), uintptr(len(buf)))
	close(start)
	writer.Wait()
}
