package p2p

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/consensus"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/events"
	"github.com/mezonai/posnode/ledger"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
)

const (
	// MaxBlocksPerResponse bounds one BLOCK_RESPONSE.
	MaxBlocksPerResponse = 500
	orphanCacheSize      = 64
	defaultFanout        = 3
	// maxDiscoveredPeers bounds one DISCOVER_RESPONSE.
	maxDiscoveredPeers = 64
)

// Network is what the sync protocol needs from the transport.
type Network interface {
	Send(peerID string, msg *Message) error
	Broadcast(msg *Message, except ...string) int
	RandomPeers(n int) []string
	Score(peerID string, ev ScoreEvent)
	Peers() []PeerInfo
	Learn(peerID, host string, port int) bool
}

type ChainLedger interface {
	Len() uint64
	Tip() *block.Block
	HasBlock(hash string) bool
	AddBlock(b *block.Block) error
	AddTransaction(tx *transaction.Transaction) (bool, error)
	ResolveFork(branch []*block.Block) (ledger.ForkResult, error)
	ReplaceChain(blocks []*block.Block) error
	Blocks(start, end uint64) ([]*block.Block, bool)
	Chain() []*block.Block
	ConfirmBlock(hash, peer string) bool
}

type StakeBook interface {
	IsValidator(address string) bool
	ApplyAnnouncement(a *staking.Announcement) (bool, error)
	Announcements() []*staking.Announcement
}

// ConsensusHandler is the engine side of consensus traffic.
type ConsensusHandler interface {
	HandleProposal(ctx context.Context, p *consensus.Proposal) error
	HandleVote(ctx context.Context, v *consensus.Vote) error
	HandleRoundSync(ctx context.Context, s consensus.RoundState) (bool, error)
	OnChainAdvanced(ctx context.Context)
}

type SyncConfig struct {
	NodeID string
	// Confirmer is the identity recorded when this node confirms a block, normally its address.
	Confirmer string
	Fanout    int
	RateLimit *RateLimitConfig
}

// SyncProtocol dispatches peer messages to the ledger, the stake registry and the consensus engine,
// and keeps the local chain caught up with the network.
type SyncProtocol struct {
	cfg       SyncConfig
	net       Network
	ledger    ChainLedger
	stakes    StakeBook
	engine    ConsensusHandler
	limiter   *RateLimitManager
	publisher events.Publisher

	mu      sync.Mutex
	orphans map[uint64]*block.Block // index → block received ahead of the tip
}

func NewSyncProtocol(cfg SyncConfig, net Network, l ChainLedger, stakes StakeBook, publisher events.Publisher) *SyncProtocol {
	if cfg.Fanout <= 0 {
		cfg.Fanout = defaultFanout
	}
	if cfg.Confirmer == "" {
		cfg.Confirmer = cfg.NodeID
	}
	return &SyncProtocol{
		cfg:       cfg,
		net:       net,
		ledger:    l,
		stakes:    stakes,
		limiter:   NewRateLimitManager(cfg.RateLimit),
		publisher: publisher,
		orphans:   make(map[uint64]*block.Block),
	}
}

// SetEngine attaches the consensus engine. It is set after construction because the engine broadcasts through this protocol.
func (s *SyncProtocol) SetEngine(engine ConsensusHandler) {
	s.engine = engine
}

func (s *SyncProtocol) send(peerID string, msgType MessageType, payload interface{}) error {
	msg, err := NewMessage(msgType, s.cfg.NodeID, payload)
	if err != nil {
		return err
	}
	return s.net.Send(peerID, msg)
}

func (s *SyncProtocol) broadcast(msgType MessageType, payload interface{}, except ...string) error {
	msg, err := NewMessage(msgType, s.cfg.NodeID, payload)
	if err != nil {
		return err
	}
	n := s.net.Broadcast(msg, except...)
	logx.Debug("SYNC", fmt.Sprintf("Broadcast %s to %d peers", msgType, n))
	return nil
}

func (s *SyncProtocol) reject(peerID string, msgType MessageType, err error) {
	reason := monitoring.RejectUnknown
	ev := ScoreEvent("")
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidSignature:
		reason, ev = monitoring.RejectInvalidSignature, ScoreInvalidVote
	case errors.ErrCodeInvalidRequest:
		reason, ev = monitoring.RejectMalformed, ScoreMalformed
	case errors.ErrCodeInvalidBlock, errors.ErrCodeInvalidHash, errors.ErrCodeInvalidIndex, errors.ErrCodeInvalidPrevHash, errors.ErrCodeInvalidCandidate:
		reason, ev = monitoring.RejectInvalidBlock, ScoreInvalidBlock
	case errors.ErrCodeInvalidTransaction, errors.ErrCodeInvalidAmount, errors.ErrCodeInvalidAddress:
		reason, ev = monitoring.RejectInvalidBlock, ScoreInvalidTx
	case errors.ErrCodeNotValidator, errors.ErrCodeNotProposer:
		reason = monitoring.RejectNotValidator
	case errors.ErrCodeWrongHeight, errors.ErrCodeWrongRound, errors.ErrCodeWrongStep:
		reason = monitoring.RejectWrongRound
	case errors.ErrCodeWrongBlockHash, errors.ErrCodeLocked:
		reason = monitoring.RejectWrongHash
	case errors.ErrCodeRateLimited:
		reason, ev = monitoring.RejectRateLimited, ScoreRateLimited
	}
	monitoring.RecordRejectedMessage(string(msgType), reason)
	if ev != "" {
		s.net.Score(peerID, ev)
	}
	logx.Debug("SYNC", fmt.Sprintf("Rejected %s from %s: %v", msgType, peerID, err))
}

// HandleMessage dispatches one message from peerID.
func (s *SyncProtocol) HandleMessage(ctx context.Context, peerID string, msg *Message) {
	monitoring.RecordReceivedMessage(string(msg.Type))
	var err error
	switch msg.Type {
	case MsgNewTransaction:
		err = s.handleTransaction(peerID, msg)
	case MsgNewBlock:
		err = s.handleNewBlock(ctx, peerID, msg)
	case MsgBlockRequest:
		err = s.handleBlockRequest(peerID, msg)
	case MsgBlockResponse:
		err = s.handleBlockResponse(ctx, peerID, msg)
	case MsgBlockchainRequest:
		err = s.handleBlockchainRequest(peerID)
	case MsgBlockchainResponse:
		err = s.handleBlockchainResponse(ctx, peerID, msg)
	case MsgPropose:
		err = s.handlePropose(ctx, msg)
	case MsgPrepareVote, MsgCommitVote:
		err = s.handleVote(ctx, msg)
	case MsgRoundSync:
		err = s.handleRoundSync(ctx, peerID, msg)
	case MsgBlockConfirmation:
		err = s.handleConfirmation(peerID, msg)
	case MsgValidatorInfo:
		err = s.handleValidatorInfo(peerID, msg)
	case MsgDiscover:
		err = s.handleDiscover(peerID)
	case MsgDiscoverResponse:
		err = s.handleDiscoverResponse(peerID, msg)
	default:
		err = errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if err != nil {
		s.reject(peerID, msg.Type, err)
	}
}

// OnPeerConnected backfills from a longer peer, shares every stake announcement held and asks for the peer's peers.
func (s *SyncProtocol) OnPeerConnected(ctx context.Context, peerID string, hs HandshakePayload) {
	if err := s.send(peerID, MsgDiscover, struct{}{}); err != nil {
		logx.Warn("SYNC", fmt.Sprintf("Discover request to %s: %v", peerID, err))
	}
	if length := s.ledger.Len(); hs.ChainLength > length {
		logx.Info("SYNC", fmt.Sprintf("Peer %s has %d blocks, we have %d; requesting the gap", peerID, hs.ChainLength, length))
		s.requestBlocks(peerID, length, hs.ChainLength-1)
	}
	if anns := s.stakes.Announcements(); len(anns) > 0 {
		if err := s.send(peerID, MsgValidatorInfo, ValidatorInfoPayload{Announcements: anns}); err != nil {
			logx.Warn("SYNC", fmt.Sprintf("Send validator info to %s: %v", peerID, err))
		}
	}
}

// Discover asks every connected peer for the peers it knows.
func (s *SyncProtocol) Discover(ctx context.Context) {
	if err := s.broadcast(MsgDiscover, struct{}{}); err != nil {
		logx.Warn("SYNC", "Discover broadcast: ", err)
	}
}

func (s *SyncProtocol) handleDiscover(peerID string) error {
	peers := make(map[string]PeerAddress)
	for _, p := range s.net.Peers() {
		if p.ID == peerID || p.Host == "" || p.Port <= 0 {
			continue
		}
		peers[p.ID] = PeerAddress{Host: p.Host, Port: p.Port}
		if len(peers) == maxDiscoveredPeers {
			break
		}
	}
	return s.send(peerID, MsgDiscoverResponse, DiscoverResponsePayload{Peers: peers})
}

func (s *SyncProtocol) handleDiscoverResponse(peerID string, msg *Message) error {
	var p DiscoverResponsePayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	if len(p.Peers) > maxDiscoveredPeers {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("discover response lists %d peers", len(p.Peers)))
	}
	learned := 0
	for id, addr := range p.Peers {
		if id == s.cfg.NodeID {
			continue
		}
		if s.net.Learn(id, addr.Host, addr.Port) {
			learned++
		}
	}
	if learned > 0 {
		logx.Info("SYNC", fmt.Sprintf("Learned %d peer addresses from %s", learned, peerID))
	}
	return nil
}

func (s *SyncProtocol) requestBlocks(peerID string, start, end uint64) {
	if err := s.send(peerID, MsgBlockRequest, BlockRequestPayload{StartIndex: start, EndIndex: end}); err != nil {
		logx.Warn("SYNC", fmt.Sprintf("Block request to %s: %v", peerID, err))
	}
}

func (s *SyncProtocol) requestChain(peerID string) {
	if err := s.send(peerID, MsgBlockchainRequest, struct{}{}); err != nil {
		logx.Warn("SYNC", fmt.Sprintf("Chain request to %s: %v", peerID, err))
	}
}

func (s *SyncProtocol) handleTransaction(peerID string, msg *Message) error {
	var p TransactionPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	if p.Transaction == nil {
		return errors.Validation(errors.ErrCodeInvalidRequest, "transaction payload without transaction")
	}
	added, err := s.ledger.AddTransaction(p.Transaction)
	if err != nil {
		return err
	}
	if added {
		s.net.Score(peerID, ScoreValidTx)
		return s.broadcast(MsgNewTransaction, p, peerID)
	}
	return nil
}

func (s *SyncProtocol) handleNewBlock(ctx context.Context, peerID string, msg *Message) error {
	var p BlockPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	b := p.Block
	if b == nil {
		return errors.Validation(errors.ErrCodeInvalidRequest, "block payload without block")
	}
	if s.ledger.HasBlock(b.BlockHash) {
		return nil
	}
	length := s.ledger.Len()
	switch {
	case b.Index == length:
		return s.appendBlock(ctx, peerID, b)
	case b.Index > length:
		s.cacheOrphan(b)
		logx.Info("SYNC", fmt.Sprintf("Block %d from %s is ahead of tip %d; requesting [%d, %d]", b.Index, peerID, length-1, length, b.Index-1))
		s.requestBlocks(peerID, length, b.Index-1)
		return nil
	default:
		return s.resolve(ctx, peerID, []*block.Block{b})
	}
}

// appendBlock adds a block that extends the tip, then announces, confirms and relays it.
func (s *SyncProtocol) appendBlock(ctx context.Context, peerID string, b *block.Block) error {
	if !s.stakes.IsValidator(b.Proposer) {
		return errors.Consensus(errors.ErrCodeNotValidator, fmt.Sprintf("block %d proposed by non-validator %s", b.Index, b.Proposer))
	}
	if err := s.ledger.AddBlock(b); err != nil {
		return err
	}
	s.net.Score(peerID, ScoreValidBlock)
	events.Emit(s.publisher, events.NewBlockAppended(b.Index, b.BlockHash, peerID))
	if err := s.broadcast(MsgNewBlock, BlockPayload{Block: b}, peerID); err != nil {
		logx.Warn("SYNC", fmt.Sprintf("Relay block %d: %v", b.Index, err))
	}
	s.confirm(b.BlockHash)
	s.chainAdvanced(ctx, peerID)
	return nil
}

func (s *SyncProtocol) confirm(hash string) {
	if !s.ledger.ConfirmBlock(hash, s.cfg.Confirmer) {
		return
	}
	if err := s.broadcast(MsgBlockConfirmation, ConfirmationPayload{BlockHash: hash, Confirmer: s.cfg.Confirmer}); err != nil {
		logx.Warn("SYNC", fmt.Sprintf("Broadcast confirmation of %s: %v", block.ShortHash(hash), err))
	}
}

// chainAdvanced appends cached orphans that now fit and restarts consensus at the new height.
func (s *SyncProtocol) chainAdvanced(ctx context.Context, peerID string) {
	for {
		length := s.ledger.Len()
		s.mu.Lock()
		next, ok := s.orphans[length]
		if ok {
			delete(s.orphans, length)
		}
		for idx := range s.orphans {
			if idx < length {
				delete(s.orphans, idx)
			}
		}
		s.mu.Unlock()
		if !ok {
			break
		}
		if err := s.ledger.AddBlock(next); err != nil {
			logx.Warn("SYNC", fmt.Sprintf("Cached block %d no longer fits: %v", next.Index, err))
			break
		}
		events.Emit(s.publisher, events.NewBlockAppended(next.Index, next.BlockHash, peerID))
		s.confirm(next.BlockHash)
	}
	if s.engine != nil {
		s.engine.OnChainAdvanced(ctx)
	}
}

func (s *SyncProtocol) cacheOrphan(b *block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orphans) >= orphanCacheSize {
		// drop the farthest ahead
		var far uint64
		for idx := range s.orphans {
			if idx > far {
				far = idx
			}
		}
		if far <= b.Index {
			return
		}
		delete(s.orphans, far)
	}
	s.orphans[b.Index] = b
}

func (s *SyncProtocol) OrphanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orphans)
}

// resolve runs fork resolution on a branch and falls back to a full chain request when it does not link.
func (s *SyncProtocol) resolve(ctx context.Context, peerID string, branch []*block.Block) error {
	result, err := s.ledger.ResolveFork(branch)
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.ErrCodeNoForkPoint, errors.ErrCodeGenesisMismatch, errors.ErrCodeDiscontiguous:
			logx.Info("SYNC", fmt.Sprintf("Branch from %s does not link (%v); requesting full chain", peerID, err))
			s.requestChain(peerID)
			return nil
		case errors.ErrCodeFinalizedReorg:
			logx.Warn("SYNC", fmt.Sprintf("Branch from %s would replace finalized blocks", peerID))
			return nil
		}
		return err
	}
	switch result.Outcome {
	case ledger.ForkExtended, ledger.ForkReplaced:
		s.net.Score(peerID, ScoreValidBlock)
		for _, b := range branch {
			if b.Index >= result.ForkPoint {
				events.Emit(s.publisher, events.NewBlockAppended(b.Index, b.BlockHash, peerID))
			}
		}
		s.chainAdvanced(ctx, peerID)
	}
	return nil
}

func (s *SyncProtocol) handleBlockRequest(peerID string, msg *Message) error {
	if !s.limiter.AllowBlockRequest(peerID) {
		return errors.Network(errors.ErrCodeRateLimited, fmt.Sprintf("%s exceeded block requests", peerID))
	}
	var p BlockRequestPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	if p.EndIndex < p.StartIndex {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("block range [%d, %d] is inverted", p.StartIndex, p.EndIndex))
	}
	if p.EndIndex-p.StartIndex >= MaxBlocksPerResponse {
		p.EndIndex = p.StartIndex + MaxBlocksPerResponse - 1
	}
	blocks, ok := s.ledger.Blocks(p.StartIndex, p.EndIndex)
	if !ok {
		return nil
	}
	return s.send(peerID, MsgBlockResponse, BlockResponsePayload{Blocks: blocks})
}

func (s *SyncProtocol) handleBlockResponse(ctx context.Context, peerID string, msg *Message) error {
	var p BlockResponsePayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	blocks := make([]*block.Block, 0, len(p.Blocks))
	for _, b := range p.Blocks {
		if b != nil {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Index != blocks[i-1].Index+1 {
			logx.Info("SYNC", fmt.Sprintf("Block response from %s has a gap at %d; requesting full chain", peerID, blocks[i-1].Index+1))
			s.requestChain(peerID)
			return nil
		}
	}
	if blocks[0].Index > s.ledger.Len() {
		s.requestBlocks(peerID, s.ledger.Len(), blocks[0].Index-1)
		for _, b := range blocks {
			s.cacheOrphan(b)
		}
		return nil
	}
	return s.resolve(ctx, peerID, blocks)
}

func (s *SyncProtocol) handleBlockchainRequest(peerID string) error {
	if !s.limiter.AllowBlockRequest(peerID) {
		return errors.Network(errors.ErrCodeRateLimited, fmt.Sprintf("%s exceeded chain requests", peerID))
	}
	chain := s.ledger.Chain()
	return s.send(peerID, MsgBlockchainResponse, BlockchainResponsePayload{
		ChainLength:   uint64(len(chain)),
		LastBlockHash: chain[len(chain)-1].BlockHash,
		Chain:         chain,
	})
}

func (s *SyncProtocol) handleBlockchainResponse(ctx context.Context, peerID string, msg *Message) error {
	var p BlockchainResponsePayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	if uint64(len(p.Chain)) <= s.ledger.Len() {
		return nil
	}
	if err := s.ledger.ReplaceChain(p.Chain); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotLonger {
			return nil
		}
		return err
	}
	s.net.Score(peerID, ScoreValidBlock)
	s.chainAdvanced(ctx, peerID)
	return nil
}

func (s *SyncProtocol) handlePropose(ctx context.Context, msg *Message) error {
	if s.engine == nil {
		return nil
	}
	var p consensus.Proposal
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	if p.Block == nil {
		return errors.Validation(errors.ErrCodeInvalidRequest, "proposal without block")
	}
	return s.engine.HandleProposal(ctx, &p)
}

func (s *SyncProtocol) handleVote(ctx context.Context, msg *Message) error {
	if s.engine == nil {
		return nil
	}
	var v consensus.Vote
	if err := msg.ParsePayload(&v); err != nil {
		return err
	}
	if voteMessageType(v.Phase) != msg.Type {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("%s vote sent as %s", v.Phase, msg.Type))
	}
	return s.engine.HandleVote(ctx, &v)
}

func voteMessageType(phase consensus.Phase) MessageType {
	if phase == consensus.PhaseCommit {
		return MsgCommitVote
	}
	return MsgPrepareVote
}

func (s *SyncProtocol) handleRoundSync(ctx context.Context, peerID string, msg *Message) error {
	var st consensus.RoundState
	if err := msg.ParsePayload(&st); err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return err
	}
	if length := s.ledger.Len(); st.Height > length {
		s.requestBlocks(peerID, length, st.Height-1)
		return nil
	}
	if s.engine == nil {
		return nil
	}
	_, err := s.engine.HandleRoundSync(ctx, st)
	return err
}

func (s *SyncProtocol) handleConfirmation(peerID string, msg *Message) error {
	var p ConfirmationPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	confirmer := p.Confirmer
	if confirmer == "" {
		confirmer = peerID
	}
	if s.ledger.ConfirmBlock(p.BlockHash, confirmer) {
		p.Confirmer = confirmer
		return s.broadcast(MsgBlockConfirmation, p, peerID)
	}
	return nil
}

func (s *SyncProtocol) handleValidatorInfo(peerID string, msg *Message) error {
	var p ValidatorInfoPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	var applied []*staking.Announcement
	var firstErr error
	for _, a := range p.Announcements {
		ok, err := s.stakes.ApplyAnnouncement(a)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			applied = append(applied, a)
		}
	}
	if len(applied) > 0 {
		if err := s.broadcast(MsgValidatorInfo, ValidatorInfoPayload{Announcements: applied}, peerID); err != nil {
			return err
		}
	}
	return firstErr
}

// RequestFullSync asks a few random peers for their whole chain.
func (s *SyncProtocol) RequestFullSync(ctx context.Context) int {
	peers := s.net.RandomPeers(s.cfg.Fanout)
	for _, id := range peers {
		if ctx.Err() != nil {
			break
		}
		s.requestChain(id)
	}
	return len(peers)
}

func (s *SyncProtocol) BroadcastTransaction(ctx context.Context, tx *transaction.Transaction) error {
	return s.broadcast(MsgNewTransaction, TransactionPayload{Transaction: tx})
}

func (s *SyncProtocol) BroadcastStake(ctx context.Context, anns ...*staking.Announcement) error {
	return s.broadcast(MsgValidatorInfo, ValidatorInfoPayload{Announcements: anns})
}

func (s *SyncProtocol) BroadcastProposal(ctx context.Context, p *consensus.Proposal) error {
	return s.broadcast(MsgPropose, p)
}

func (s *SyncProtocol) BroadcastVote(ctx context.Context, v *consensus.Vote) error {
	return s.broadcast(voteMessageType(v.Phase), v)
}

// BroadcastBlock announces a block this node finalized and records its own confirmation.
func (s *SyncProtocol) BroadcastBlock(ctx context.Context, b *block.Block) error {
	if err := s.broadcast(MsgNewBlock, BlockPayload{Block: b}); err != nil {
		return err
	}
	s.confirm(b.BlockHash)
	return nil
}

func (s *SyncProtocol) BroadcastRoundSync(ctx context.Context, st consensus.RoundState) error {
	return s.broadcast(MsgRoundSync, st)
}
