package consensus

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"towerbft/bank"
	"towerbft/banking"
	"towerbft/config"
	"towerbft/forks"
	"towerbft/mempool"
	"towerbft/slot"
	"towerbft/store"
	"towerbft/types"
)

// ConsensusState drives the validator loop: on every slot boundary it
// closes the previous leader window, selects the heaviest fork tip, and
// votes on it under the tower's lockout rules. Peer entry batches replay
// into the fork table; peer votes feed the stake weights.
type ConsensusState struct {
	service.BaseService

	config  *config.ConsensusConfig
	chainID string

	mtx sync.Mutex

	validators *types.ValidatorSet
	privVal    types.PrivValidator
	valIndex   int32
	valAddr    types.Address

	forkTable  *forks.ForkTable
	tower      *Tower
	scheduler  *banking.Scheduler
	mempool    mempool.Mempool
	blockStore *store.Store
	slotClock  slot.Clock

	curSlot      types.Slot
	curSlotStart time.Time

	// leaderBank is the in-flight bank while this node holds the leader
	// window, nil otherwise.
	leaderBank *bank.Bank

	// duplicateVotes tallies stake per bank hash for slots flagged
	// Duplicate, until one side reaches quorum.
	duplicateVotes map[types.Slot]map[string]int64

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	eventSwitch      events.EventSwitch

	metrics *consensusMetric
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	cfg *config.ConsensusConfig,
	chainID string,
	forkTable *forks.ForkTable,
	tower *Tower,
	blockStore *store.Store,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           cfg,
		chainID:          chainID,
		validators:       types.NewValidatorSet(nil),
		forkTable:        forkTable,
		tower:            tower,
		blockStore:       blockStore,
		curSlot:          forkTable.Root(),
		valIndex:         -1,
		duplicateVotes:   make(map[types.Slot]map[string]int64),
		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		eventSwitch:      events.NewEventSwitch(),
		metrics:          newConsensusMetric(cfg.Mode),
	}
	cs.slotClock = slot.NewClock(cs.curSlot, cfg.SlotDuration)
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

const msgQueueSize = 1000

func SetValidatorSet(valset *types.ValidatorSet) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.validators = valset
		if cs.privVal != nil {
			cs.bindValidatorIndex()
		}
	}
}

func SetPrivValidator(privVal types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.privVal = privVal
		cs.bindValidatorIndex()
	}
}

func SetScheduler(sched *banking.Scheduler) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.scheduler = sched
	}
}

func SetMempool(mp mempool.Mempool) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.mempool = mp
	}
}

func SetSlotClock(clock slot.Clock) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.slotClock = clock
	}
}

func (cs *ConsensusState) bindValidatorIndex() {
	pub, err := cs.privVal.GetPubKey()
	if err != nil {
		return
	}
	cs.valAddr = types.Address(pub.Address())
	cs.valIndex, _ = cs.validators.GetByAddress(cs.valAddr)
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	if cs.slotClock != nil {
		cs.slotClock.SetLogger(logger)
	}
	cs.forkTable.SetLogger(logger)
}

func (cs *ConsensusState) Metrics() *consensusMetric {
	return cs.metrics
}

func (cs *ConsensusState) GetEventSwitch() events.EventSwitch {
	return cs.eventSwitch
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.slotClock.Start(); err != nil {
		return err
	}
	go cs.receiveRoutine()
	cs.Logger.Info("consensus state started", "mode", cs.config.Mode,
		"root", cs.forkTable.Root())
	return nil
}

func (cs *ConsensusState) OnStop() {
	if cs.isLeading() {
		cs.mtx.Lock()
		cs.finishLeaderWindow()
		cs.mtx.Unlock()
	}
	if err := cs.slotClock.Stop(); err != nil {
		cs.Logger.Error("failed to stop slot clock", "err", err)
	}
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed to stop event switch", "err", err)
	}
}

// CurrentSlot returns the slot the state machine is in.
func (cs *ConsensusState) CurrentSlot() types.Slot {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.curSlot
}

// Tower exposes the vote tracker, read-only use only.
func (cs *ConsensusState) Tower() *Tower {
	return cs.tower
}

func (cs *ConsensusState) isLeading() bool {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.leaderBank != nil
}

func (cs *ConsensusState) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receive routine quit")
			return
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		case ti := <-cs.slotClock.Chan():
			cs.handleSlotTick(ti)
		}
	}
}

func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	switch msg := mi.Msg.(type) {
	case *VoteMessage:
		added, err := cs.tryAddVote(msg.Vote)
		if err != nil {
			cs.Logger.Debug("vote rejected", "err", err, "vote", msg.Vote)
			return
		}
		if added {
			cs.eventSwitch.FireEvent(EventNewVote, msg.Vote)
			cs.voteOnTip()
		}
	case *EntryBatchMessage:
		if err := msg.ValidateBasic(); err != nil {
			cs.Logger.Error("invalid entry batch", "err", err)
			return
		}
		cs.handleEntryBatch(msg)
	default:
		cs.Logger.Error(fmt.Sprintf("unknown message type %T", msg))
	}
}

// handleEntryBatch replays a leader's recorded entries into a new fork.
// The recorded order is authoritative; any divergence kills the fork.
func (cs *ConsensusState) handleEntryBatch(msg *EntryBatchMessage) {
	if cs.config.Mode == config.ModeRepair {
		// Repair nodes store batches for serving but do not replay.
		cs.eventSwitch.FireEvent(EventEntryBatch, msg)
		return
	}

	b, err := cs.forkTable.InsertChild(msg.ParentSlot, msg.Slot, msg.Entries)
	if err != nil {
		cs.Logger.Error("entry batch replay failed", "slot", msg.Slot, "err", err)
		cs.metrics.MarkDeadFork()
		cs.eventSwitch.FireEvent(EventDeadFork, msg.Slot)
		return
	}
	if b == nil {
		// Second bank for an occupied slot: flagged duplicate.
		cs.metrics.MarkDuplicateSlot()
		cs.eventSwitch.FireEvent(EventDuplicateSlot, msg.Slot)
		return
	}

	hash, err := b.Hash()
	if err != nil {
		cs.Logger.Error("replayed bank not frozen", "slot", msg.Slot, "err", err)
		return
	}
	if !bytes.Equal(hash, msg.BankHash) {
		// Replay is deterministic, so the locally computed hash is the
		// fork's identity. A bogus claimed hash only discredits the
		// message, not the replayed bank: drop it without rebroadcast.
		cs.Logger.Error("claimed bank hash mismatch, batch discarded", "slot", msg.Slot,
			"computed", hash, "claimed", msg.BankHash)
		return
	}

	cs.Logger.Info("fork extended", "slot", msg.Slot, "parent", msg.ParentSlot,
		"txs", msg.Entries.NumTxs())
	cs.updateMempool(msg.Slot, msg.Entries)
	cs.eventSwitch.FireEvent(EventEntryBatch, msg)
	cs.voteOnTip()
}

// updateMempool drops txs another leader already committed, so this node
// does not schedule them again in its own window.
func (cs *ConsensusState) updateMempool(s types.Slot, entries types.Entries) {
	if cs.mempool == nil {
		return
	}
	txs := make(types.Txs, 0, entries.NumTxs())
	for _, e := range entries {
		txs = append(txs, e.Txs...)
	}
	cs.mempool.Lock()
	if err := cs.mempool.Update(s, txs); err != nil {
		cs.Logger.Error("mempool update failed", "slot", s, "err", err)
	}
	cs.mempool.Unlock()
}

// handleSlotTick moves the machine into a new slot: close the old leader
// window, open a new one if this node leads, then re-run fork choice.
func (cs *ConsensusState) handleSlotTick(ti slot.TickInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	cs.finishLeaderWindow()

	cs.curSlot = ti.Slot
	cs.curSlotStart = ti.StartTime
	cs.metrics.MarkSlot(ti.Slot)
	cs.metrics.MarkSlotStartTime(ti.StartTime)

	leader := cs.validators.GetLeader(ti.Slot)
	isLeader := leader != nil && cs.valIndex >= 0 &&
		bytes.Equal(leader.Address, cs.valAddr)
	cs.metrics.MarkIsLeader(isLeader)
	if leader != nil {
		cs.metrics.MarkLeaderAddr(leader.Address.String())
	}

	if isLeader && cs.config.Mode == config.ModeFull && cs.scheduler != nil {
		cs.startLeaderWindow(ti)
	}

	cs.voteOnTip()
}

// startLeaderWindow opens a bank on top of the current fork-choice tip
// and hands it to the execution scheduler for the slot's duration.
func (cs *ConsensusState) startLeaderWindow(ti slot.TickInfo) {
	tip, ok := SelectTip(cs.forkTable, cs.tower.LastVotedSlot())
	if !ok {
		cs.Logger.Error("no active tip to build on", "slot", ti.Slot)
		return
	}
	parentBank, ok := cs.forkTable.GetBank(tip)
	if !ok {
		cs.Logger.Error("tip bank missing", "tip", tip)
		return
	}
	b, err := bank.NewBankFromParent(parentBank, ti.Slot)
	if err != nil {
		cs.Logger.Error("cannot open leader bank", "slot", ti.Slot, "err", err)
		return
	}
	deadline := ti.StartTime.Add(cs.config.SlotDuration)
	if err := cs.scheduler.StartWindow(b, deadline); err != nil {
		cs.Logger.Error("cannot start leader window", "slot", ti.Slot, "err", err)
		return
	}
	cs.leaderBank = b
	cs.Logger.Info("leader window opened", "slot", ti.Slot, "parent", tip)
}

// finishLeaderWindow drains the scheduler, freezes the produced bank,
// inserts it into the fork table and broadcasts the recorded entries.
func (cs *ConsensusState) finishLeaderWindow() {
	if cs.leaderBank == nil {
		return
	}
	b := cs.leaderBank
	cs.leaderBank = nil

	entries, results, err := cs.scheduler.EndWindow()
	if err != nil {
		cs.Logger.Error("cannot close leader window", "slot", b.Slot(), "err", err)
		return
	}
	b.Freeze()
	hash, err := b.Hash()
	if err != nil {
		cs.Logger.Error("leader bank hash unavailable", "err", err)
		return
	}
	if err := cs.forkTable.InsertBank(b); err != nil {
		cs.Logger.Error("cannot insert leader bank", "slot", b.Slot(), "err", err)
		return
	}

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	cs.Logger.Info("leader window closed", "slot", b.Slot(),
		"entries", len(entries), "txs", len(results), "failed", failed,
		"fees", b.CollectedFees())

	cs.eventSwitch.FireEvent(EventEntryBatch, &EntryBatchMessage{
		Slot:       b.Slot(),
		ParentSlot: b.ParentSlot(),
		Entries:    entries,
		BankHash:   hash,
	})
}

// tryAddVote verifies and records a peer vote. (false, nil) means the vote
// was valid but stale.
func (cs *ConsensusState) tryAddVote(vote *types.Vote) (bool, error) {
	if err := vote.ValidateBasic(); err != nil {
		return false, err
	}
	valIdx, val := cs.validators.GetByAddress(vote.ValidatorAddress)
	if val == nil {
		return false, fmt.Errorf("vote from unknown validator %v", vote.ValidatorAddress)
	}
	if valIdx != vote.ValidatorIndex {
		return false, fmt.Errorf("vote validator has wrong index: got %d, want %d",
			vote.ValidatorIndex, valIdx)
	}
	if !val.PubKey.VerifySignature(types.VoteSignBytes(cs.chainID, vote), vote.Signature) {
		return false, fmt.Errorf("invalid vote signature from %v", vote.ValidatorAddress)
	}

	cs.tallyDuplicateVote(vote, val.StakePower)

	if !cs.forkTable.ApplyVote(vote.ValidatorAddress, vote.Slot) {
		return false, nil
	}
	cs.metrics.MarkVotesSeen()
	return true, nil
}

// tallyDuplicateVote counts stake per bank hash on duplicate-flagged
// slots; quorum stake on one side settles which bank survives.
func (cs *ConsensusState) tallyDuplicateVote(vote *types.Vote, stake int64) {
	node, ok := cs.forkTable.GetNode(vote.Slot)
	if !ok || node.Status != forks.StatusDuplicate {
		return
	}
	tally := cs.duplicateVotes[vote.Slot]
	if tally == nil {
		tally = make(map[string]int64)
		cs.duplicateVotes[vote.Slot] = tally
	}
	key := string(vote.BankHash)
	tally[key] += stake
	if tally[key] >= cs.validators.QuorumStake() {
		cs.forkTable.ResolveDuplicate(vote.Slot, vote.BankHash)
		delete(cs.duplicateVotes, vote.Slot)
		cs.Logger.Info("duplicate slot resolved", "slot", vote.Slot,
			"winner", vote.BankHash)
	}
}

// voteOnTip runs fork choice and, when the tower allows it, signs and
// publishes a vote for the selected tip. Observer and repair nodes track
// forks but never vote.
func (cs *ConsensusState) voteOnTip() {
	if cs.config.Mode != config.ModeFull || cs.privVal == nil || cs.valIndex < 0 {
		return
	}

	lastVoted := cs.tower.LastVotedSlot()
	tip, ok := SelectTip(cs.forkTable, lastVoted)
	if !ok || tip.Equal(lastVoted) {
		return
	}
	cs.metrics.MarkTip(tip)

	if err := cs.tower.CheckSwitch(
		tip,
		cs.forkTable.IsDescendant,
		cs.forkTable.Weight,
		cs.validators.TotalStake(),
		cs.config.SwitchForkThreshold,
	); err != nil {
		cs.Logger.Debug("fork switch refused", "tip", tip, "err", err)
		return
	}
	if err := cs.tower.CheckVote(tip, cs.forkTable.IsDescendant); err != nil {
		cs.Logger.Debug("vote refused by tower", "tip", tip, "err", err)
		return
	}

	tipBank, ok := cs.forkTable.GetBank(tip)
	if !ok {
		return
	}
	hash, err := tipBank.Hash()
	if err != nil {
		return
	}

	vote := &types.Vote{
		Slot:             tip,
		BankHash:         hash,
		Timestamp:        time.Now(),
		ValidatorAddress: cs.valAddr,
		ValidatorIndex:   cs.valIndex,
	}
	if err := cs.privVal.SignVote(cs.chainID, vote); err != nil {
		cs.Logger.Error("sign vote failed", "err", err)
		return
	}

	newRoot := cs.tower.RecordVote(tip)
	cs.forkTable.ApplyVote(cs.valAddr, tip)
	cs.metrics.MarkLastVote(tip)
	cs.Logger.Info("voted", "slot", tip, "hash", hash)

	cs.eventSwitch.FireEvent(EventNewVote, vote)

	if newRoot != types.NoSlot {
		cs.advanceRoot(newRoot)
	}
}

// advanceRoot finalizes a slot: prune the fork table, persist the rooted
// account state, announce the new root.
func (cs *ConsensusState) advanceRoot(root types.Slot) {
	pruned, err := cs.forkTable.SetRoot(root)
	if err != nil {
		cs.Logger.Error("cannot advance root", "root", root, "err", err)
		return
	}
	rootBank, ok := cs.forkTable.GetBank(root)
	if ok && cs.blockStore != nil {
		if err := cs.blockStore.SaveRoot(rootBank); err != nil {
			cs.Logger.Error("cannot persist root", "root", root, "err", err)
		}
	}
	for _, s := range pruned {
		delete(cs.duplicateVotes, s)
	}
	cs.metrics.MarkRoot(root)
	cs.Logger.Info("root advanced", "root", root, "pruned", len(pruned))
	cs.eventSwitch.FireEvent(EventRootAdvance, root)
}

// SubmitEntryBatch queues a locally sourced entry batch, e.g. from the
// RPC layer or from repair responses.
func (cs *ConsensusState) SubmitEntryBatch(msg *EntryBatchMessage) {
	cs.sendInternalMessage(msgInfo{Msg: msg})
}

func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// The receive routine is busy; a blocked sender here could
		// deadlock against handleMsg, so spill to a goroutine.
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() { cs.internalMsgQueue <- mi }()
	}
}
