package p2p

import (
	"fmt"
	"time"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
)

type MessageType string

const (
	MsgHandshake          MessageType = "HANDSHAKE"
	MsgNewTransaction     MessageType = "NEW_TRANSACTION"
	MsgNewBlock           MessageType = "NEW_BLOCK"
	MsgBlockchainRequest  MessageType = "BLOCKCHAIN_REQUEST"
	MsgBlockchainResponse MessageType = "BLOCKCHAIN_RESPONSE"
	MsgBlockRequest       MessageType = "BLOCK_REQUEST"
	MsgBlockResponse      MessageType = "BLOCK_RESPONSE"
	MsgPropose            MessageType = "PROPOSE"
	MsgPrepareVote        MessageType = "PREPARE_VOTE"
	MsgCommitVote         MessageType = "COMMIT_VOTE"
	MsgRoundSync          MessageType = "ROUND_SYNC"
	MsgBlockConfirmation  MessageType = "BLOCK_CONFIRMATION"
	MsgValidatorInfo      MessageType = "VALIDATOR_INFO"
	MsgDiscover           MessageType = "DISCOVER"
	MsgDiscoverResponse   MessageType = "DISCOVER_RESPONSE"
)

// Message is the envelope of every frame on the wire.
type Message struct {
	Type      MessageType      `json:"type"`
	Sender    string           `json:"sender"`
	Timestamp int64            `json:"timestamp"`
	Payload   jsonx.RawMessage `json:"payload"`
}

func NewMessage(msgType MessageType, sender string, payload interface{}) (*Message, error) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("encode %s payload: %v", msgType, err))
	}
	return &Message{
		Type:      msgType,
		Sender:    sender,
		Timestamp: time.Now().Unix(),
		Payload:   data,
	}, nil
}

// ParsePayload decodes the payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("%s without payload", m.Type))
	}
	if err := jsonx.Unmarshal(m.Payload, v); err != nil {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("decode %s payload: %v", m.Type, err))
	}
	return nil
}

type HandshakePayload struct {
	NodeID      string `json:"nodeId"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	ChainLength uint64 `json:"chainLength"`
}

type TransactionPayload struct {
	Transaction *transaction.Transaction `json:"transaction"`
}

type BlockPayload struct {
	Block *block.Block `json:"block"`
}

type BlockchainResponsePayload struct {
	ChainLength   uint64         `json:"chainLength"`
	LastBlockHash string         `json:"lastBlockHash"`
	Chain         []*block.Block `json:"chain"`
}

type BlockRequestPayload struct {
	StartIndex uint64 `json:"startIndex"`
	EndIndex   uint64 `json:"endIndex"`
}

type BlockResponsePayload struct {
	Blocks []*block.Block `json:"blocks"`
}

// ConfirmationPayload names the node that confirmed, which differs from the envelope sender once relayed.
type ConfirmationPayload struct {
	BlockHash string `json:"blockHash"`
	Confirmer string `json:"confirmer"`
}

type ValidatorInfoPayload struct {
	Announcements []*staking.Announcement `json:"announcements"`
}

// PeerAddress is where a peer accepts connections.
type PeerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DiscoverResponsePayload maps node id to listen address.
type DiscoverResponsePayload struct {
	Peers map[string]PeerAddress `json:"peers"`
}
