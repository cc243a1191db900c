package slot

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"towerbft/types"
)

// TickInfo is delivered on every slot boundary.
type TickInfo struct {
	Slot      types.Slot    `json:"slot"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
}

// Clock is the logical slot clock: a fixed-interval ticker that hands the
// consensus state one event per slot boundary.
type Clock interface {
	service.Service

	// GetSlot returns the current slot.
	GetSlot() types.Slot

	// Chan returns the boundary event channel.
	Chan() <-chan TickInfo

	// ResetInterval restarts the interval timer for the current slot,
	// shifting the next boundary. Used to realign with an observed leader.
	ResetInterval(duration time.Duration)

	SetLogger(logger log.Logger)
}

type tickerClock struct {
	service.BaseService

	mtx      sync.Mutex
	slot     types.Slot
	duration time.Duration
	timer    *time.Timer
	lastTick time.Time

	tickChan chan TickInfo
	quit     chan struct{}
}

var _ Clock = (*tickerClock)(nil)

func NewClock(initialSlot types.Slot, duration time.Duration) Clock {
	tc := &tickerClock{
		slot:     initialSlot,
		duration: duration,
		tickChan: make(chan TickInfo, 1),
		quit:     make(chan struct{}),
	}
	tc.BaseService = *service.NewBaseService(nil, "SlotClock", tc)
	return tc
}

func (tc *tickerClock) OnStart() error {
	tc.mtx.Lock()
	tc.timer = time.NewTimer(tc.duration)
	tc.lastTick = time.Now()
	tc.mtx.Unlock()
	go tc.tickRoutine()
	return nil
}

func (tc *tickerClock) OnStop() {
	close(tc.quit)
}

func (tc *tickerClock) GetSlot() types.Slot {
	tc.mtx.Lock()
	defer tc.mtx.Unlock()
	return tc.slot
}

func (tc *tickerClock) Chan() <-chan TickInfo {
	return tc.tickChan
}

func (tc *tickerClock) ResetInterval(duration time.Duration) {
	tc.mtx.Lock()
	defer tc.mtx.Unlock()
	tc.duration = duration
	if tc.timer != nil {
		if !tc.timer.Stop() {
			select {
			case <-tc.timer.C:
			default:
			}
		}
		tc.timer.Reset(duration)
	}
}

func (tc *tickerClock) tickRoutine() {
	for {
		tc.mtx.Lock()
		timer := tc.timer
		tc.mtx.Unlock()

		select {
		case <-tc.quit:
			return
		case t := <-timer.C:
			tc.mtx.Lock()
			tc.slot = tc.slot.Add(1)
			tc.lastTick = t
			tc.timer.Reset(tc.duration)
			ti := TickInfo{Slot: tc.slot, Duration: tc.duration, StartTime: t}
			tc.mtx.Unlock()

			select {
			case tc.tickChan <- ti:
			default:
				// Consumer is behind; drop the tick rather than stall
				// the clock. The slot counter already advanced.
				tc.Logger.Debug("slot tick dropped, consumer busy", "slot", ti.Slot)
			}
		}
	}
}
