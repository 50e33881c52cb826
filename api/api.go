package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/consensus"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/exception"
	"github.com/mezonai/posnode/interfaces"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/ledger"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/p2p"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
	"github.com/mezonai/posnode/wallet"
)

// DefaultTxPerMinute bounds transaction submissions per client IP.
const DefaultTxPerMinute = 120

type Config struct {
	Listen      string
	NodeID      string
	TxPerMinute int
}

type APIServer struct {
	cfg       Config
	Ledger    *ledger.Ledger
	Stakes    *staking.Registry
	self      wallet.Signer
	engine    interfaces.StatusSource
	gossip    interfaces.Broadcaster
	peers     interfaces.PeerManager
	txLimiter *rateLimiter
	stakeMu   sync.Mutex
	router    *mux.Router
	srv       *http.Server
}

func NewAPIServer(cfg Config, l *ledger.Ledger, stakes *staking.Registry, self wallet.Signer,
	engine interfaces.StatusSource, gossip interfaces.Broadcaster, peers interfaces.PeerManager) *APIServer {
	if cfg.TxPerMinute <= 0 {
		cfg.TxPerMinute = DefaultTxPerMinute
	}
	s := &APIServer{
		cfg:       cfg,
		Ledger:    l,
		Stakes:    stakes,
		self:      self,
		engine:    engine,
		gossip:    gossip,
		peers:     peers,
		txLimiter: newRateLimiter(cfg.TxPerMinute, time.Minute),
	}
	s.router = s.routes()
	return s
}

func (s *APIServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/chain", s.handleChain).Methods(http.MethodGet)
	r.HandleFunc("/chain/blocks/{index:[0-9]+}", s.handleBlock).Methods(http.MethodGet)
	r.HandleFunc("/validators", s.handleValidators).Methods(http.MethodGet)
	r.HandleFunc("/transactions/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.handleSubmitTx).Methods(http.MethodPost)
	r.HandleFunc("/stake", s.handleStake).Methods(http.MethodPost)
	r.HandleFunc("/unstake", s.handleUnstake).Methods(http.MethodPost)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/balance/{address}", s.handleBalance).Methods(http.MethodGet)
	r.Handle("/metrics", monitoring.Handler()).Methods(http.MethodGet)
	return r
}

// Handler is the router wrapped with access logging.
func (s *APIServer) Handler() http.Handler {
	return handlers.LoggingHandler(logx.Writer(), s.router)
}

// Start serves in the background until ctx is done.
func (s *APIServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Network(errors.ErrCodeDial, fmt.Sprintf("api listen on %s: %v", s.cfg.Listen, err))
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	logx.Info("API", "API listen on ", ln.Addr().String())
	exception.SafeGo("api-serve", func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Error("API", "serve: ", err)
		}
	})
	exception.SafeGo("api-shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	})
	return nil
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.NewEncoder(w).Encode(v); err != nil {
		logx.Warn("API", "encode response: ", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.CodeOf(err)
	switch {
	case code == errors.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case code == errors.ErrCodeBlockNotFound, code == errors.ErrCodePeerNotFound:
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrNetwork):
		status = http.StatusBadGateway
	}
	if code == "" {
		code = errors.ErrCodeInternal
	}
	msg := err.Error()
	var ne *errors.NodeError
	if errors.As(err, &ne) {
		msg = ne.Message
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := jsonx.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("invalid body: %v", err))
	}
	return nil
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type StatusResponse struct {
	NodeID      string           `json:"nodeId"`
	Address     string           `json:"address"`
	ChainLength uint64           `json:"chainLength"`
	TipHash     string           `json:"tipHash"`
	Pending     int              `json:"pending"`
	Peers       int              `json:"peers"`
	Validators  int              `json:"validators"`
	IsValidator bool             `json:"isValidator"`
	Consensus   consensus.Status `json:"consensus"`
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		NodeID:      s.cfg.NodeID,
		Address:     s.self.Address(),
		ChainLength: s.Ledger.Len(),
		TipHash:     s.Ledger.Tip().BlockHash,
		Pending:     s.Ledger.PendingCount(),
		Validators:  s.Stakes.ValidatorCount(),
		IsValidator: s.Stakes.IsValidator(s.self.Address()),
	}
	if s.peers != nil {
		resp.Peers = s.peers.PeerCount()
	}
	if s.engine != nil {
		resp.Consensus = s.engine.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseIndex(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Validation(errors.ErrCodeInvalidIndex, fmt.Sprintf("%s must be a block index", name))
	}
	return v, nil
}

func (s *APIServer) handleChain(w http.ResponseWriter, r *http.Request) {
	length := s.Ledger.Len()
	start, err := parseIndex(r, "start", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseIndex(r, "end", length-1)
	if err != nil {
		writeError(w, err)
		return
	}
	blocks, ok := s.Ledger.Blocks(start, end)
	if !ok {
		blocks = []*block.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"length": length, "blocks": blocks})
}

type BlockResponse struct {
	Block         *block.Block `json:"block"`
	Confirmations int          `json:"confirmations"`
	Finalized     bool         `json:"finalized"`
}

func (s *APIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		writeError(w, errors.Validation(errors.ErrCodeInvalidIndex, "bad block index"))
		return
	}
	b := s.Ledger.BlockAt(index)
	if b == nil {
		writeError(w, errors.Validation(errors.ErrCodeBlockNotFound, fmt.Sprintf("no block at %d", index)))
		return
	}
	writeJSON(w, http.StatusOK, BlockResponse{
		Block:         b,
		Confirmations: s.Ledger.ConfirmationCount(b.BlockHash),
		Finalized:     s.Ledger.IsFinalized(b.BlockHash),
	})
}

type ValidatorView struct {
	Address     string       `json:"address"`
	Amount      *uint256.Int `json:"amount"`
	DepositedAt int64        `json:"depositedAt"`
	Weight      *uint256.Int `json:"weight"`
	Active      bool         `json:"active"`
}

func (s *APIServer) handleValidators(w http.ResponseWriter, r *http.Request) {
	snap := s.Stakes.WeightedSnapshot()
	records := s.Stakes.Records()
	out := make([]ValidatorView, 0, len(records))
	for _, rec := range records {
		out = append(out, ValidatorView{
			Address:     rec.Address,
			Amount:      rec.Amount,
			DepositedAt: rec.DepositedAt,
			Weight:      snap.Weight(rec.Address),
			Active:      snap.Contains(rec.Address),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"validators": out, "totalWeight": snap.Total()})
}

func (s *APIServer) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": s.Ledger.PendingTransactions()})
}

type SubmitTxResponse struct {
	ID    string `json:"id"`
	Added bool   `json:"added"`
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *APIServer) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if !s.txLimiter.allow(clientIP(r)) {
		writeError(w, errors.Network(errors.ErrCodeRateLimited, "too many transactions, slow down"))
		return
	}
	var tx transaction.Transaction
	if err := decodeBody(w, r, &tx); err != nil {
		writeError(w, err)
		return
	}
	added, err := s.Ledger.SubmitTransaction(&tx)
	if err != nil {
		writeError(w, err)
		return
	}
	if added && s.gossip != nil {
		if err := s.gossip.BroadcastTransaction(r.Context(), &tx); err != nil {
			logx.Warn("API", "broadcast tx: ", err)
		}
	}
	writeJSON(w, http.StatusOK, SubmitTxResponse{ID: tx.ID, Added: added})
}

type StakeRequest struct {
	Amount *uint256.Int `json:"amount"`
}

type StakeResponse struct {
	Address     string       `json:"address"`
	Amount      *uint256.Int `json:"amount"`
	IsValidator bool         `json:"isValidator"`
}

func (s *APIServer) handleStake(w http.ResponseWriter, r *http.Request) {
	s.changeStake(w, r, s.addFundedStake)
}

// addFundedStake grows the stake of address only while the whole stake stays within its spendable balance.
func (s *APIServer) addFundedStake(address string, amount *uint256.Int) error {
	if amount != nil {
		total := new(uint256.Int).Set(amount)
		if rec := s.Stakes.Record(address); rec != nil {
			if _, overflow := total.AddOverflow(total, rec.Amount); overflow {
				return errors.Validation(errors.ErrCodeInvalidAmount, "stake amount overflows")
			}
		}
		if err := s.Ledger.CheckSpend(address, total); err != nil {
			return err
		}
	}
	return s.Stakes.AddStake(address, amount)
}

func (s *APIServer) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.changeStake(w, r, s.Stakes.RemoveStake)
}

// changeStake applies a stake change to this node's own address and announces the result.
func (s *APIServer) changeStake(w http.ResponseWriter, r *http.Request, apply func(string, *uint256.Int) error) {
	var req StakeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr := s.self.Address()
	s.stakeMu.Lock()
	err := apply(addr, req.Amount)
	s.stakeMu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	ann := s.Stakes.SignAnnouncement(s.self)
	if s.gossip != nil {
		if err := s.gossip.BroadcastStake(r.Context(), ann); err != nil {
			logx.Warn("API", "broadcast stake: ", err)
		}
	}
	resp := StakeResponse{Address: addr, Amount: uint256.NewInt(0), IsValidator: s.Stakes.IsValidator(addr)}
	if rec := s.Stakes.Record(addr); rec != nil {
		resp.Amount = rec.Amount
	}
	writeJSON(w, http.StatusOK, resp)
}

type ConnectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *APIServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, errors.Validation(errors.ErrCodeInvalidRequest, "host and port are required"))
		return
	}
	if s.peers == nil {
		writeError(w, errors.Network(errors.ErrCodeDial, "networking disabled"))
		return
	}
	if err := s.peers.Connect(r.Context(), req.Host, req.Port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"peers": s.peers.PeerCount()})
}

func (s *APIServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := []p2p.PeerInfo{}
	if s.peers != nil {
		peers = s.peers.Peers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

func (s *APIServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !wallet.IsValidAddress(addr) {
		writeError(w, errors.Validation(errors.ErrCodeInvalidAddress, "not a valid address"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr, "balance": s.Ledger.Balance(addr)})
}

// rateLimiter keeps one token bucket per client key.
type rateLimiter struct {
	mu      sync.Mutex
	max     int
	per     time.Duration
	buckets map[string]*p2p.RateLimit
}

func newRateLimiter(max int, per time.Duration) *rateLimiter {
	return &rateLimiter{max: max, per: per, buckets: make(map[string]*p2p.RateLimit)}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = p2p.NewRateLimit(l.max, l.per)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Take(1)
}
