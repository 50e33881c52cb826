package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/events"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
	"github.com/mezonai/posnode/wallet"
)

type Config struct {
	ProposeTimeout time.Duration
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
	// BlockInterval is the minimum gap between a finalization and this node's next proposal.
	BlockInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProposeTimeout: 30 * time.Second,
		PrepareTimeout: 5 * time.Second,
		CommitTimeout:  5 * time.Second,
		BlockInterval:  10 * time.Second,
	}
}

// Ledger is the part of the chain the engine drives.
type Ledger interface {
	Len() uint64
	CreateBlock(proposer string) *block.Block
	ValidateBlock(b *block.Block) error
	CommitBlock(b *block.Block) error
	BlockAt(index uint64) *block.Block
	MarkFinalized(hash string)
	ReturnTransactions(txs []*transaction.Transaction) int
}

type StakeSource interface {
	WeightedSnapshot() *staking.Snapshot
}

// Outbound sends consensus traffic to peers. Calls happen after the engine lock is released.
type Outbound interface {
	BroadcastProposal(ctx context.Context, p *Proposal) error
	BroadcastVote(ctx context.Context, v *Vote) error
	BroadcastBlock(ctx context.Context, b *block.Block) error
	BroadcastRoundSync(ctx context.Context, s RoundState) error
}

// maxRoundJump bounds how far a single proposal or round report can move this node ahead.
const maxRoundJump = 64

// lockState is the block this node cast a commit vote for.
type lockState struct {
	height uint64
	round  uint32
	block  *block.Block
	// abandoned: the locked round ended without commit quorum, so a newer proposal may replace it.
	abandoned bool
	// hard: commit quorum was seen but the append failed; only this block may be committed at the height.
	hard bool
}

// outbox collects side effects produced under the engine lock.
type outbox struct {
	proposals []*Proposal
	votes     []*Vote
	blocks    []*block.Block
	syncs     []RoundState
	events    []events.NodeEvent
	returned  [][]*transaction.Transaction
}

type Engine struct {
	mu        sync.Mutex
	self      wallet.Signer
	ledger    Ledger
	stakes    StakeSource
	out       Outbound
	publisher events.Publisher
	cfg       Config
	now       func() time.Time

	round         *Round
	lock          *lockState
	ownProposal   *block.Block
	lastFinalized time.Time

	// highest round each validator reported via ROUND_SYNC at reportsHeight
	reports       map[string]uint32
	reportsHeight uint64
}

func NewEngine(cfg Config, self wallet.Signer, ledger Ledger, stakes StakeSource, out Outbound, publisher events.Publisher) *Engine {
	return &Engine{
		self:      self,
		ledger:    ledger,
		stakes:    stakes,
		out:       out,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start opens round 0 at the current chain height.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	var ob outbox
	e.resetLocked(&ob, e.ledger.Len())
	e.mu.Unlock()
	e.flush(ctx, &ob)
}

// Run drives proposals and timeouts until ctx is done.
func (e *Engine) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one driver iteration.
func (e *Engine) Tick(ctx context.Context) {
	e.CheckTimeout(ctx)
	e.TryPropose(ctx)
}

func (e *Engine) resetLocked(ob *outbox, height uint64) {
	if e.lock != nil && e.lock.height != height {
		e.lock = nil
	}
	e.startRoundLocked(ob, height, 0)
}

func (e *Engine) startRoundLocked(ob *outbox, height uint64, number uint32) {
	if e.reports == nil || e.reportsHeight != height {
		e.reports = make(map[string]uint32)
		e.reportsHeight = height
	}
	snap := e.stakes.WeightedSnapshot()
	e.round = newRound(height, number, snap, e.now())
	monitoring.SetConsensusRound(uint64(number))
	ob.events = append(ob.events, events.NewRoundStarted(height, number, e.round.Proposer))
	ob.syncs = append(ob.syncs, e.stateLocked())
	logx.Debug("CONSENSUS", fmt.Sprintf("Round started height=%d round=%d proposer=%s validators=%d", height, number, e.round.Proposer, snap.Len()))
}

func (e *Engine) stateLocked() RoundState {
	return RoundState{Height: e.round.Height, Round: e.round.Number, Step: e.round.Step}
}

// nextRound saturates instead of wrapping to round 0.
func nextRound(n uint32) uint32 {
	if n == math.MaxUint32 {
		return n
	}
	return n + 1
}

// withinJump reports that round is ahead of current by at most maxRoundJump.
func withinJump(current, round uint32) bool {
	return round > current && uint64(round) <= uint64(current)+maxRoundJump
}

// advanceRoundLocked leaves the current round without a commit. expired is true when the round itself
// failed here (timeout or split); only then may a lock taken in it be replaced later.
func (e *Engine) advanceRoundLocked(ob *outbox, next uint32, expired bool) {
	if expired && e.lock != nil && !e.lock.hard && e.lock.height == e.round.Height && e.lock.round <= e.round.Number {
		e.lock.abandoned = true
	}
	e.releaseOwnProposalLocked(ob, "")
	if h := e.ledger.Len(); h != e.round.Height {
		e.resetLocked(ob, h)
		return
	}
	e.startRoundLocked(ob, e.round.Height, next)
}

// releaseOwnProposalLocked returns this node's proposal to the pool unless it won or is still locked.
func (e *Engine) releaseOwnProposalLocked(ob *outbox, winner string) {
	own := e.ownProposal
	if own == nil {
		return
	}
	if own.BlockHash == winner {
		e.ownProposal = nil
		return
	}
	if e.lock != nil && e.lock.block.BlockHash == own.BlockHash {
		return
	}
	e.ownProposal = nil
	ob.returned = append(ob.returned, own.Transactions)
}

func (e *Engine) isValidatorLocked() bool {
	return e.round.Snapshot.Contains(e.self.Address())
}

// TryPropose builds and broadcasts a block when this node is the proposer of the current round.
func (e *Engine) TryPropose(ctx context.Context) bool {
	e.mu.Lock()
	var ob outbox
	proposed := e.tryProposeLocked(&ob)
	e.mu.Unlock()
	e.flush(ctx, &ob)
	return proposed
}

func (e *Engine) tryProposeLocked(ob *outbox) bool {
	r := e.round
	if r == nil || r.Step != StepPrePrepare || r.Proposal != nil || r.Proposer != e.self.Address() {
		return false
	}
	if h := e.ledger.Len(); h != r.Height {
		e.resetLocked(ob, h)
		return false
	}
	if !e.lastFinalized.IsZero() && e.now().Sub(e.lastFinalized) < e.cfg.BlockInterval {
		return false
	}

	var b *block.Block
	if e.lock != nil && e.lock.height == r.Height {
		b = e.lock.block
		logx.Info("CONSENSUS", fmt.Sprintf("Re-proposing locked block %s at height=%d round=%d", block.ShortHash(b.BlockHash), r.Height, r.Number))
	} else {
		b = e.ledger.CreateBlock(e.self.Address())
		e.ownProposal = b
	}

	p := NewProposal(e.self, r.Height, r.Number, b)
	ob.proposals = append(ob.proposals, p)
	e.acceptProposalLocked(ob, b)
	logx.Info("CONSENSUS", fmt.Sprintf("Proposed block %s height=%d round=%d txs=%d", block.ShortHash(b.BlockHash), r.Height, r.Number, len(b.Transactions)))
	return true
}

// HandleProposal processes a PROPOSE message.
func (e *Engine) HandleProposal(ctx context.Context, p *Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	var ob outbox
	err := e.handleProposalLocked(&ob, p)
	e.mu.Unlock()
	e.flush(ctx, &ob)
	return err
}

func (e *Engine) handleProposalLocked(ob *outbox, p *Proposal) error {
	r := e.round
	if r == nil {
		return errors.Consensus(errors.ErrCodeWrongHeight, "engine not started")
	}
	if p.Height != r.Height {
		return errors.Consensus(errors.ErrCodeWrongHeight, fmt.Sprintf("proposal for height %d, at %d", p.Height, r.Height))
	}
	if p.Round < r.Number {
		return errors.Consensus(errors.ErrCodeWrongRound, fmt.Sprintf("proposal for round %d, at %d", p.Round, r.Number))
	}
	if p.Round > r.Number && !withinJump(r.Number, p.Round) {
		return errors.Consensus(errors.ErrCodeWrongRound, fmt.Sprintf("proposal for round %d is too far ahead of %d", p.Round, r.Number))
	}
	if p.Round == r.Number && r.Proposal != nil {
		if r.Proposal.BlockHash == p.Block.BlockHash {
			return nil
		}
		return errors.Consensus(errors.ErrCodeWrongStep, fmt.Sprintf("round %d already has proposal %s", r.Number, block.ShortHash(r.Proposal.BlockHash)))
	}

	// nothing below may change state until the proposal is known to be acceptable
	proposer := r.Proposer
	if p.Round != r.Number {
		proposer = staking.SelectProposer(r.Snapshot, p.Height, p.Round)
	}
	if p.Block.Proposer != proposer {
		return errors.Consensus(errors.ErrCodeNotProposer, fmt.Sprintf("%s is not the proposer of height=%d round=%d", p.Block.Proposer, p.Height, p.Round))
	}
	if err := e.ledger.ValidateBlock(p.Block); err != nil {
		return err
	}
	conflict := e.lock != nil && e.lock.height == r.Height && e.lock.block.BlockHash != p.Block.BlockHash
	if conflict && (e.lock.hard || !e.lock.abandoned) {
		return errors.Consensus(errors.ErrCodeLocked, fmt.Sprintf("locked on %s since round %d", block.ShortHash(e.lock.block.BlockHash), e.lock.round))
	}

	if p.Round > r.Number {
		// the proposer moved on before us
		e.advanceRoundLocked(ob, p.Round, false)
		r = e.round
		if r.Height != p.Height || r.Number != p.Round {
			return errors.Consensus(errors.ErrCodeWrongHeight, fmt.Sprintf("proposal for height %d, at %d", p.Height, r.Height))
		}
		if p.Block.Proposer != r.Proposer {
			return errors.Consensus(errors.ErrCodeNotProposer, fmt.Sprintf("%s is not the proposer of height=%d round=%d", p.Block.Proposer, r.Height, r.Number))
		}
	}
	if conflict {
		logx.Info("CONSENSUS", fmt.Sprintf("Releasing lock on %s for proposal %s in round %d", block.ShortHash(e.lock.block.BlockHash), block.ShortHash(p.Block.BlockHash), r.Number))
		e.lock = nil
		e.releaseOwnProposalLocked(ob, p.Block.BlockHash)
	}
	e.acceptProposalLocked(ob, p.Block.Clone())
	return nil
}

func (e *Engine) acceptProposalLocked(ob *outbox, b *block.Block) {
	r := e.round
	r.Proposal = b
	r.Step = StepPrepare
	r.touch(e.now())
	ob.events = append(ob.events, events.NewProposalAccepted(r.Height, r.Number, b.BlockHash, b.Proposer))
	ob.syncs = append(ob.syncs, e.stateLocked())
	if e.isValidatorLocked() {
		v := NewVote(e.self, PhasePrepare, r.Height, r.Number, b.BlockHash)
		r.Prepares.Add(v)
		ob.votes = append(ob.votes, v)
	}
	early := r.early
	r.early = nil
	for _, v := range early {
		if v.Phase == PhaseCommit {
			r.Commits.Add(v)
		} else {
			r.Prepares.Add(v)
		}
	}
	e.evaluateLocked(ob)
}

// HandleVote processes a PREPARE_VOTE or COMMIT_VOTE.
func (e *Engine) HandleVote(ctx context.Context, v *Vote) error {
	if err := v.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	var ob outbox
	err := e.handleVoteLocked(&ob, v)
	e.mu.Unlock()
	e.flush(ctx, &ob)
	return err
}

func (e *Engine) handleVoteLocked(ob *outbox, v *Vote) error {
	r := e.round
	if r == nil || v.Height != r.Height {
		return errors.Consensus(errors.ErrCodeWrongHeight, fmt.Sprintf("vote for height %d", v.Height))
	}
	if v.Round != r.Number {
		return errors.Consensus(errors.ErrCodeWrongRound, fmt.Sprintf("vote for round %d, at %d", v.Round, r.Number))
	}
	if !r.Snapshot.Contains(v.Validator) {
		return errors.Consensus(errors.ErrCodeNotValidator, fmt.Sprintf("%s is not a validator", v.Validator))
	}
	if r.Step != StepPrepare && r.Step != StepCommit {
		// held until the proposal arrives; the sender may have seen it first
		if r.Step == StepPrePrepare && len(r.early) < maxEarlyVotes(r.Snapshot) {
			r.early = append(r.early, v)
		}
		return errors.Consensus(errors.ErrCodeWrongStep, fmt.Sprintf("vote while in %s", r.Step))
	}

	set := r.Prepares
	if v.Phase == PhaseCommit {
		set = r.Commits
	}
	if !set.Add(v) {
		return nil
	}
	r.touch(e.now())
	e.evaluateLocked(ob)
	if v.BlockHash != r.proposalHash() {
		// kept only for split detection, never counted toward the proposal
		return errors.Consensus(errors.ErrCodeWrongBlockHash, fmt.Sprintf("%s vote from %s for %s, proposal is %s", v.Phase, v.Validator, block.ShortHash(v.BlockHash), block.ShortHash(r.proposalHash())))
	}
	return nil
}

func maxEarlyVotes(snap *staking.Snapshot) int {
	return 2*snap.Len() + 4
}

// evaluateLocked moves the round forward as far as the tallies allow.
func (e *Engine) evaluateLocked(ob *outbox) {
	for {
		r := e.round
		snap := r.Snapshot
		hash := r.proposalHash()
		switch r.Step {
		case StepPrepare:
			if snap.HasQuorum(r.Prepares.Power(snap, hash)) {
				ob.events = append(ob.events, events.NewQuorumReached(r.Height, r.Number, hash, string(PhasePrepare)))
				r.Step = StepCommit
				r.touch(e.now())
				ob.syncs = append(ob.syncs, e.stateLocked())
				if e.isValidatorLocked() {
					v := NewVote(e.self, PhaseCommit, r.Height, r.Number, hash)
					r.Commits.Add(v)
					ob.votes = append(ob.votes, v)
					e.lock = &lockState{height: r.Height, round: r.Number, block: r.Proposal}
				}
				continue
			}
			if r.Prepares.Split(snap) {
				e.abandonLocked(ob, "prepare votes split")
			}
			return
		case StepCommit:
			if snap.HasQuorum(r.Commits.Power(snap, hash)) {
				ob.events = append(ob.events, events.NewQuorumReached(r.Height, r.Number, hash, string(PhaseCommit)))
				e.finalizeLocked(ob)
				return
			}
			if r.Commits.Split(snap) {
				e.abandonLocked(ob, "commit votes split")
			}
			return
		default:
			return
		}
	}
}

func (e *Engine) abandonLocked(ob *outbox, reason string) {
	r := e.round
	logx.Warn("CONSENSUS", fmt.Sprintf("Abandoning height=%d round=%d: %s", r.Height, r.Number, reason))
	monitoring.IncreaseRoundsAbandoned()
	e.advanceRoundLocked(ob, nextRound(r.Number), true)
}

func (e *Engine) finalizeLocked(ob *outbox) {
	r := e.round
	b := r.Proposal
	if err := e.ledger.CommitBlock(b); err != nil {
		if h := e.ledger.Len(); h > r.Height {
			// the chain moved underneath us, usually because the same block arrived through sync
			winner := ""
			if existing := e.ledger.BlockAt(r.Height); existing != nil {
				winner = existing.BlockHash
			}
			if winner == b.BlockHash {
				e.ledger.MarkFinalized(b.BlockHash)
			}
			e.lock = nil
			e.releaseOwnProposalLocked(ob, winner)
			e.resetLocked(ob, h)
			return
		}
		logx.Error("CONSENSUS", fmt.Sprintf("Commit quorum for %s but append failed: %v", block.ShortHash(b.BlockHash), err))
		e.lock = &lockState{height: r.Height, round: r.Number, block: b, hard: true}
		e.startRoundLocked(ob, r.Height, nextRound(r.Number))
		return
	}
	r.Step = StepFinalized
	now := e.now()
	if !e.lastFinalized.IsZero() {
		monitoring.RecordBlockTime(now.Sub(e.lastFinalized))
	}
	monitoring.IncreaseFinalizedBlocks()
	e.lastFinalized = now
	ob.events = append(ob.events, events.NewBlockFinalized(b.Index, b.BlockHash, len(b.Transactions)))
	ob.blocks = append(ob.blocks, b)
	logx.Info("CONSENSUS", fmt.Sprintf("Finalized block %d hash=%s round=%d", b.Index, block.ShortHash(b.BlockHash), r.Number))

	e.releaseOwnProposalLocked(ob, b.BlockHash)
	e.lock = nil
	e.resetLocked(ob, b.Index+1)
}

// CheckTimeout advances the round when the current step has been idle too long.
func (e *Engine) CheckTimeout(ctx context.Context) bool {
	e.mu.Lock()
	var ob outbox
	fired := e.checkTimeoutLocked(&ob)
	e.mu.Unlock()
	e.flush(ctx, &ob)
	return fired
}

func (e *Engine) checkTimeoutLocked(ob *outbox) bool {
	r := e.round
	if r == nil {
		return false
	}
	var limit time.Duration
	switch r.Step {
	case StepPrePrepare:
		limit = e.cfg.ProposeTimeout
	case StepPrepare:
		limit = e.cfg.PrepareTimeout
	case StepCommit:
		limit = e.cfg.CommitTimeout
	default:
		return false
	}
	if e.now().Sub(r.LastActivity) < limit {
		return false
	}
	logx.Warn("CONSENSUS", fmt.Sprintf("Timeout in %s at height=%d round=%d", r.Step, r.Height, r.Number))
	monitoring.RecordRoundTimeout(string(r.Step))
	ob.events = append(ob.events, events.NewRoundTimedOut(r.Height, r.Number, string(r.Step)))
	e.advanceRoundLocked(ob, nextRound(r.Number), true)
	return true
}

// HandleRoundSync records a validator's signed round report for the current height. The engine jumps to
// the highest round that validators holding more than a third of the voting power have reported.
func (e *Engine) HandleRoundSync(ctx context.Context, s RoundState) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	e.mu.Lock()
	var ob outbox
	adopted, err := e.handleRoundSyncLocked(&ob, &s)
	e.mu.Unlock()
	e.flush(ctx, &ob)
	return adopted, err
}

func (e *Engine) handleRoundSyncLocked(ob *outbox, s *RoundState) (bool, error) {
	r := e.round
	if r == nil || s.Height != r.Height {
		return false, nil
	}
	if !r.Snapshot.Contains(s.Validator) {
		return false, errors.Consensus(errors.ErrCodeNotValidator, fmt.Sprintf("%s is not a validator", s.Validator))
	}
	if s.Round <= r.Number {
		return false, nil
	}
	if !withinJump(r.Number, s.Round) {
		return false, errors.Consensus(errors.ErrCodeWrongRound, fmt.Sprintf("round report %d is too far ahead of %d", s.Round, r.Number))
	}
	if prev, ok := e.reports[s.Validator]; !ok || s.Round > prev {
		e.reports[s.Validator] = s.Round
	}
	target := e.reportedRoundLocked()
	if target <= r.Number {
		return false, nil
	}
	logx.Info("CONSENSUS", fmt.Sprintf("Round sync: height=%d round %d -> %d", r.Height, r.Number, target))
	e.advanceRoundLocked(ob, target, false)
	return true, nil
}

// reportedRoundLocked is the highest round ahead of the current one backed by more than a third of the
// voting power, or the current round when there is none.
func (e *Engine) reportedRoundLocked() uint32 {
	r := e.round
	type report struct {
		validator string
		round     uint32
	}
	ahead := make([]report, 0, len(e.reports))
	for v, n := range e.reports {
		if n > r.Number {
			ahead = append(ahead, report{v, n})
		}
	}
	sort.Slice(ahead, func(i, j int) bool {
		if ahead[i].round != ahead[j].round {
			return ahead[i].round > ahead[j].round
		}
		return ahead[i].validator < ahead[j].validator
	})
	power := uint256.NewInt(0)
	for _, rep := range ahead {
		power.Add(power, r.Snapshot.VotingPower(rep.validator))
		if r.Snapshot.ExceedsThird(power) {
			return rep.round
		}
	}
	return r.Number
}

// OnChainAdvanced restarts at the new height after blocks were appended outside consensus.
func (e *Engine) OnChainAdvanced(ctx context.Context) {
	e.mu.Lock()
	var ob outbox
	h := e.ledger.Len()
	if e.round != nil && h != e.round.Height {
		winner := ""
		if b := e.ledger.BlockAt(e.round.Height); b != nil {
			winner = b.BlockHash
		}
		e.lock = nil
		e.releaseOwnProposalLocked(&ob, winner)
		e.resetLocked(&ob, h)
	}
	e.mu.Unlock()
	e.flush(ctx, &ob)
}

func (e *Engine) flush(ctx context.Context, ob *outbox) {
	for _, txs := range ob.returned {
		if n := e.ledger.ReturnTransactions(txs); n > 0 {
			logx.Info("CONSENSUS", fmt.Sprintf("Returned %d txs of an abandoned proposal to the pool", n))
		}
	}
	for _, ev := range ob.events {
		events.Emit(e.publisher, ev)
	}
	if e.out == nil {
		return
	}
	for _, p := range ob.proposals {
		if err := e.out.BroadcastProposal(ctx, p); err != nil {
			logx.Warn("CONSENSUS", "broadcast proposal: ", err)
		}
	}
	for _, v := range ob.votes {
		if err := e.out.BroadcastVote(ctx, v); err != nil {
			logx.Warn("CONSENSUS", "broadcast vote: ", err)
		}
	}
	for _, b := range ob.blocks {
		if err := e.out.BroadcastBlock(ctx, b); err != nil {
			logx.Warn("CONSENSUS", "broadcast block: ", err)
		}
	}
	if n := len(ob.syncs); n > 0 {
		st := ob.syncs[n-1]
		st.Sign(e.self)
		if err := e.out.BroadcastRoundSync(ctx, st); err != nil {
			logx.Warn("CONSENSUS", "broadcast round sync: ", err)
		}
	}
}

// Status is a read-only view of the engine for the API.
type Status struct {
	Height       uint64 `json:"height"`
	Round        uint32 `json:"round"`
	Step         Step   `json:"step"`
	Proposer     string `json:"proposer"`
	ProposalHash string `json:"proposalHash,omitempty"`
	PrepareVotes int    `json:"prepareVotes"`
	CommitVotes  int    `json:"commitVotes"`
	LockedHash   string `json:"lockedHash,omitempty"`
	Validators   int    `json:"validators"`
	IsProposer   bool   `json:"isProposer"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return Status{}
	}
	r := e.round
	s := Status{
		Height:       r.Height,
		Round:        r.Number,
		Step:         r.Step,
		Proposer:     r.Proposer,
		ProposalHash: r.proposalHash(),
		PrepareVotes: r.Prepares.Len(),
		CommitVotes:  r.Commits.Len(),
		Validators:   r.Snapshot.Len(),
		IsProposer:   r.Proposer == e.self.Address(),
	}
	if e.lock != nil {
		s.LockedHash = e.lock.block.BlockHash
	}
	return s
}
