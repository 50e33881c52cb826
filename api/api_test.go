package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/consensus"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/ledger"
	"github.com/mezonai/posnode/p2p"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
	"github.com/mezonai/posnode/wallet"
)

type gossipRecorder struct {
	txs    []*transaction.Transaction
	stakes []*staking.Announcement
}

func (g *gossipRecorder) BroadcastProposal(context.Context, *consensus.Proposal) error { return nil }
func (g *gossipRecorder) BroadcastVote(context.Context, *consensus.Vote) error         { return nil }
func (g *gossipRecorder) BroadcastBlock(context.Context, *block.Block) error           { return nil }
func (g *gossipRecorder) BroadcastRoundSync(context.Context, consensus.RoundState) error {
	return nil
}

func (g *gossipRecorder) BroadcastTransaction(_ context.Context, tx *transaction.Transaction) error {
	g.txs = append(g.txs, tx)
	return nil
}

func (g *gossipRecorder) BroadcastStake(_ context.Context, anns ...*staking.Announcement) error {
	g.stakes = append(g.stakes, anns...)
	return nil
}

type peerBook struct{ dialed []string }

func (p *peerBook) Connect(_ context.Context, host string, port int) error {
	if host == "unreachable" {
		return errors.Network(errors.ErrCodeDial, "refused")
	}
	p.dialed = append(p.dialed, host)
	return nil
}

func (p *peerBook) PeerCount() int        { return len(p.dialed) }
func (p *peerBook) Peers() []p2p.PeerInfo { return nil }

type apiFixture struct {
	srv    *APIServer
	h      http.Handler
	self   *wallet.Wallet
	gossip *gossipRecorder
	peers  *peerBook
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	self, err := wallet.Generate()
	require.NoError(t, err)
	f := &apiFixture{self: self, gossip: &gossipRecorder{}, peers: &peerBook{}}
	l := ledger.NewLedger(ledger.Config{Rewards: ledger.DefaultRewardCalculator()}, nil)
	f.srv = NewAPIServer(cfg, l, staking.NewRegistry(staking.Config{MinStake: uint256.NewInt(10)}),
		self, nil, f.gossip, f.peers)
	f.h = f.srv.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, jsonx.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), v))
}

// fund credits address with one block reward.
func (f *apiFixture) fund(t *testing.T, address string) {
	t.Helper()
	require.NoError(t, f.srv.Ledger.AddBlock(f.srv.Ledger.CreateBlock(address)))
}

func (f *apiFixture) newSender(t *testing.T, funded bool) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	if funded {
		f.fund(t, w.Address())
	}
	return w
}

func transfer(from *wallet.Wallet, amount, fee uint64) *transaction.Transaction {
	tx := transaction.New(from.Address(), "bob", uint256.NewInt(amount), uint256.NewInt(fee))
	tx.Sign(from)
	return tx
}

func (f *apiFixture) signedTx(t *testing.T) *transaction.Transaction {
	t.Helper()
	return transfer(f.newSender(t, true), 3, 1)
}

func TestHealthAndStatus(t *testing.T) {
	f := newAPIFixture(t, Config{NodeID: "n1"})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)

	rec := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusResponse
	decode(t, rec, &st)
	assert.Equal(t, "n1", st.NodeID)
	assert.Equal(t, f.self.Address(), st.Address)
	assert.Equal(t, uint64(1), st.ChainLength)
	assert.Equal(t, block.Genesis().BlockHash, st.TipHash)
}

func TestSubmitTransaction(t *testing.T) {
	f := newAPIFixture(t, Config{})
	tx := f.signedTx(t)

	rec := f.do(t, http.MethodPost, "/transactions", tx)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SubmitTxResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Added)
	assert.Len(t, f.gossip.txs, 1)

	rec = f.do(t, http.MethodPost, "/transactions", tx)
	decode(t, rec, &resp)
	assert.False(t, resp.Added)
	assert.Len(t, f.gossip.txs, 1, "duplicates are not gossiped")

	bad := tx.Clone()
	bad.Amount = uint256.NewInt(999)
	rec = f.do(t, http.MethodPost, "/transactions", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/transactions/pending", nil)
	var pending struct {
		Transactions []*transaction.Transaction `json:"transactions"`
	}
	decode(t, rec, &pending)
	assert.Len(t, pending.Transactions, 1)
}

func TestSubmitTransactionRateLimited(t *testing.T) {
	f := newAPIFixture(t, Config{TxPerMinute: 1})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/transactions", f.signedTx(t)).Code)
	rec := f.do(t, http.MethodPost, "/transactions", f.signedTx(t))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, errors.ErrCodeRateLimited, body.Code)
}

func TestStakeAndUnstake(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.fund(t, f.self.Address())

	rec := f.do(t, http.MethodPost, "/stake", map[string]string{"amount": "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp StakeResponse
	decode(t, rec, &resp)
	assert.True(t, resp.IsValidator)
	assert.Equal(t, uint64(50), resp.Amount.Uint64())
	require.Len(t, f.gossip.stakes, 1)
	assert.True(t, f.gossip.stakes[0].Verify())

	rec = f.do(t, http.MethodPost, "/unstake", map[string]string{"amount": "60"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, errors.ErrCodeInsufficientStake, body.Code)

	rec = f.do(t, http.MethodPost, "/unstake", map[string]string{"amount": "45"})
	decode(t, rec, &resp)
	assert.False(t, resp.IsValidator)

	rec = f.do(t, http.MethodGet, "/validators", nil)
	var vals struct {
		Validators []ValidatorView `json:"validators"`
	}
	decode(t, rec, &vals)
	require.Len(t, vals.Validators, 1)
	assert.False(t, vals.Validators[0].Active)
}

func TestChainAndBlocks(t *testing.T) {
	f := newAPIFixture(t, Config{})
	require.NoError(t, f.srv.Ledger.AddBlock(f.srv.Ledger.CreateBlock(f.self.Address())))

	rec := f.do(t, http.MethodGet, "/chain?start=1", nil)
	var chain struct {
		Length uint64         `json:"length"`
		Blocks []*block.Block `json:"blocks"`
	}
	decode(t, rec, &chain)
	assert.Equal(t, uint64(2), chain.Length)
	assert.Len(t, chain.Blocks, 1)

	rec = f.do(t, http.MethodGet, "/chain/blocks/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b BlockResponse
	decode(t, rec, &b)
	assert.Equal(t, uint64(1), b.Block.Index)

	tests := []struct {
		path string
		code int
	}{
		{"/chain/blocks/9", http.StatusNotFound},
		{"/chain?start=x", http.StatusBadRequest},
		{"/balance/not-an-address", http.StatusBadRequest},
		{"/balance/" + f.self.Address(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, f.do(t, http.MethodGet, tt.path, nil).Code)
		})
	}
}

func TestConnectPeer(t *testing.T) {
	f := newAPIFixture(t, Config{})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/peers", ConnectRequest{Host: "10.0.0.2", Port: 5001}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/peers", ConnectRequest{Host: "10.0.0.2"}).Code)
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/peers", ConnectRequest{Host: "unreachable", Port: 1}).Code)
	assert.Equal(t, []string{"10.0.0.2"}, f.peers.dialed)
}

func TestSubmitTransactionNeedsBalance(t *testing.T) {
	f := newAPIFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/transactions", transfer(f.newSender(t, false), 3, 1))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, errors.ErrCodeInsufficientBalance, body.Code)

	rich := f.newSender(t, true)
	tests := []struct {
		name   string
		amount uint64
		fee    uint64
		status int
	}{
		{"within balance", 40, 5, http.StatusOK},
		{"pending spend counts", 5, 1, http.StatusBadRequest},
		{"exact remainder", 4, 1, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/transactions", transfer(rich, tt.amount, tt.fee))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Len(t, f.gossip.txs, 2, "rejected transfers are not gossiped")
	assert.Equal(t, 2, f.srv.Ledger.PendingCount())
}

func TestStakeNeedsBalance(t *testing.T) {
	f := newAPIFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/stake", map[string]string{"amount": "20"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, errors.ErrCodeInsufficientBalance, body.Code)
	assert.Empty(t, f.gossip.stakes)

	f.fund(t, f.self.Address())
	tests := []struct {
		name   string
		amount string
		status int
	}{
		{"more than held", "60", http.StatusBadRequest},
		{"part of balance", "30", http.StatusOK},
		{"total past balance", "30", http.StatusBadRequest},
		{"total equals balance", "20", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/stake", map[string]string{"amount": tt.amount})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, uint64(50), f.srv.Stakes.Record(f.self.Address()).Amount.Uint64())
	assert.Len(t, f.gossip.stakes, 2)
}
