package banking

import (
	"errors"
	"sync"
	"time"

	"towerbft/bank"
	"towerbft/config"
	"towerbft/mempool"
	"towerbft/types"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

var (
	ErrWindowActive = errors.New("a leader window is already active")
	ErrNoWindow     = errors.New("no active leader window")
)

// idlePollInterval is how long the dispatch loop naps when the mempool is
// empty before checking the deadline again.
const idlePollInterval = 5 * time.Millisecond

// Scheduler is the banking core: during this node's leader window it
// drains the mempool in priority order, forms lock-compatible groups and
// executes them concurrently against the active bank, recording the
// executed order into the slot's entry stream.
//
// The scheduler only references the active bank; the fork table owns it
// once frozen.
type Scheduler struct {
	service.BaseService

	config  *config.BankingConfig
	mempool mempool.Mempool
	metrics *Metrics

	mtx    sync.Mutex
	window *slotWindow
}

type slotWindow struct {
	bank     *bank.Bank
	locks    *LockTable
	recorder *Recorder
	deadline time.Time

	computeBudget int64
	computeUsed   int64

	quit chan struct{} // closed by EndWindow: stop dispatching new groups
	done chan struct{} // closed by the dispatch loop on exit

	results []*bank.TxResult // written by the dispatch loop only
}

type execTask struct {
	tx     *types.Tx
	handle *LockHandle
}

func NewScheduler(cfg *config.BankingConfig, mp mempool.Mempool, options ...SchedulerOption) *Scheduler {
	sched := &Scheduler{
		config:  cfg,
		mempool: mp,
		metrics: NewMetrics(),
	}
	sched.BaseService = *service.NewBaseService(nil, "BANKING", sched)

	for _, option := range options {
		option(sched)
	}
	return sched
}

type SchedulerOption func(*Scheduler)

func (sched *Scheduler) SetLogger(logger log.Logger) {
	sched.Logger = logger
}

func (sched *Scheduler) Metrics() *Metrics {
	return sched.metrics
}

func (sched *Scheduler) OnStart() error {
	return nil
}

func (sched *Scheduler) OnStop() {
	sched.mtx.Lock()
	w := sched.window
	sched.mtx.Unlock()
	if w != nil {
		_, _, _ = sched.EndWindow()
	}
}

// StartWindow opens a leader window over an unfrozen bank. Dispatch runs
// until the deadline, the compute budget, or EndWindow stops it.
func (sched *Scheduler) StartWindow(b *bank.Bank, deadline time.Time) error {
	sched.mtx.Lock()
	defer sched.mtx.Unlock()

	if sched.window != nil {
		return ErrWindowActive
	}
	if b.IsFrozen() {
		return bank.ErrBankFrozen
	}

	w := &slotWindow{
		bank:          b,
		locks:         NewLockTable(),
		recorder:      NewRecorder(b.LastEntryHash()),
		deadline:      deadline,
		computeBudget: sched.config.SlotComputeBudget,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	sched.window = w

	sched.Logger.Info("leader window opened", "slot", b.Slot(), "deadline", deadline)
	go sched.dispatchLoop(w)
	return nil
}

// EndWindow stops dispatching, lets in-flight groups finish, and returns
// the recorded entry stream with the per-tx outcomes. The bank is left
// unfrozen; freezing it is the caller's decision.
func (sched *Scheduler) EndWindow() (types.Entries, []*bank.TxResult, error) {
	sched.mtx.Lock()
	w := sched.window
	if w == nil {
		sched.mtx.Unlock()
		return nil, nil, ErrNoWindow
	}
	sched.window = nil
	sched.mtx.Unlock()

	close(w.quit)
	<-w.done

	sched.Logger.Info("leader window closed",
		"slot", w.bank.Slot(),
		"entries", len(w.recorder.Entries()),
		"txs", len(w.results),
		"compute_used", w.computeUsed,
	)
	return w.recorder.Entries(), w.results, nil
}

// dispatchLoop repeatedly reaps the highest-priority pending txs, keeps the
// lock-compatible ones and hands each to the worker pool. A tx that fails
// to lock goes back to the mempool; a tx past its validity window is
// dropped. The loop stops accepting new groups once the slot deadline or
// the compute budget is reached.
func (sched *Scheduler) dispatchLoop(w *slotWindow) {
	tasks := make(chan *execTask, sched.config.BatchSize)
	resultsCh := make(chan *bank.TxResult, sched.config.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < sched.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.workerLoop(w, tasks, resultsCh)
		}()
	}

	defer func() {
		close(tasks)
		wg.Wait()
		close(w.done)
	}()

	for {
		select {
		case <-w.quit:
			return
		default:
		}

		if !time.Now().Before(w.deadline) {
			sched.Logger.Debug("slot deadline reached, no new groups", "slot", w.bank.Slot())
			return
		}
		if w.computeUsed >= w.computeBudget {
			sched.Logger.Debug("slot compute budget exhausted", "slot", w.bank.Slot(), "used", w.computeUsed)
			return
		}

		reaped := sched.mempool.ReapPriority(sched.config.BatchSize)
		if len(reaped) == 0 {
			select {
			case <-w.quit:
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}

		scheduled, requeue := sched.selectGroup(w, reaped)

		for _, task := range scheduled {
			tasks <- task
		}
		for range scheduled {
			res := <-resultsCh
			w.results = append(w.results, res)
			if res.Failed() {
				sched.metrics.MarkFailedTx()
			}
		}

		if len(scheduled) > 0 {
			txs := make(types.Txs, len(scheduled))
			for i, task := range scheduled {
				txs[i] = task.tx
			}
			entry := w.recorder.Record(txs)
			if err := w.bank.SetLastEntry(entry.Hash); err != nil {
				sched.Logger.Error("failed to advance entry chain", "err", err)
				return
			}
			sched.metrics.MarkEntry(len(txs))
		}

		if len(requeue) > 0 {
			sched.mempool.Requeue(requeue)
		}
	}
}

// selectGroup splits a reaped batch into the lock-compatible group to
// dispatch and the txs to put back. Acquisition order is priority order,
// so the recorded execution order of conflicting txs matches submission
// priority.
func (sched *Scheduler) selectGroup(w *slotWindow, reaped types.Txs) ([]*execTask, types.Txs) {
	var (
		scheduled []*execTask
		requeue   types.Txs
	)
	for _, tx := range reaped {
		if tx.MaxSlot != types.SlotZero && w.bank.Slot().Greater(tx.MaxSlot) {
			sched.metrics.MarkDroppedTx()
			sched.Logger.Debug("dropping expired tx", "tx", tx.Hash(), "max_slot", tx.MaxSlot)
			continue
		}

		cu := tx.ComputeLimit
		if cu < types.MinComputeUnits {
			cu = types.MinComputeUnits
		}
		if w.computeUsed+cu > w.computeBudget {
			requeue = append(requeue, tx)
			continue
		}

		handle, err := w.locks.AcquireForTx(tx)
		if err != nil {
			// Transient contention with the rest of this group.
			sched.metrics.MarkLockConflict()
			requeue = append(requeue, tx)
			continue
		}

		w.computeUsed += cu
		sched.metrics.MarkScheduledTx(cu)
		scheduled = append(scheduled, &execTask{tx: tx, handle: handle})
	}
	return scheduled, requeue
}

// workerLoop executes tasks against the window's bank. The lock handle is
// released on every path; a failed tx reports its error without touching
// sibling tasks.
func (sched *Scheduler) workerLoop(w *slotWindow, tasks <-chan *execTask, results chan<- *bank.TxResult) {
	for task := range tasks {
		res := w.bank.ExecuteTx(task.tx)
		task.handle.Release()
		results <- res
	}
}
