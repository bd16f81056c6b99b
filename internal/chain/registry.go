package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RegistryMode tags which registry generation emitted an event. Both are
// live concurrently on some chains; decoding normalizes them into one
// canonical Event so nothing downstream cares.
type RegistryMode string

const (
	ModeCurrent RegistryMode = "current"
	ModeLegacy  RegistryMode = "legacy"
)

// Kind is the canonical event kind, one per scanner stream.
type Kind string

const (
	KindRegistration       Kind = "registration"
	KindURIUpdate          Kind = "uri_update"
	KindTransfer           Kind = "transfer"
	KindFeedback           Kind = "feedback"
	KindValidationRequest  Kind = "validation_request"
	KindValidationResponse Kind = "validation_response"
)

// Event is the canonical decoded record, one shape for both registry
// generations. Fields are populated per kind.
type Event struct {
	Kind    Kind
	Mode    RegistryMode
	ChainID int64

	AgentID string // decimal string of the registry's numeric id
	Owner   string // registration, transfer (new owner)
	From    string // transfer (previous owner)
	URI     string // registration, uri_update

	Reviewer string // feedback
	Rating   int    // feedback, 0-100
	TaskHash string // feedback, validation_request
	Tags     []string

	ValidationID string // validation_request, validation_response
	Requester    string // validation_request
	Validator    string // validation_response
	IsValid      bool   // validation_response

	TxHash      string
	BlockNumber uint64
	Timestamp   time.Time
}

// Current-generation registry events.
const currentRegistryABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":false,"name":"agentURI","type":"string"}],
		"name":"Registered","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":false,"name":"newURI","type":"string"}],
		"name":"URIUpdated","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":true,"name":"tokenId","type":"uint256"}],
		"name":"Transfer","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":true,"name":"reviewer","type":"address"},
		{"indexed":false,"name":"score","type":"uint8"},
		{"indexed":false,"name":"taskHash","type":"bytes32"},
		{"indexed":false,"name":"tags","type":"string[]"}],
		"name":"NewFeedback","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"validationId","type":"bytes32"},
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":false,"name":"requester","type":"address"},
		{"indexed":false,"name":"taskHash","type":"bytes32"}],
		"name":"ValidationRequested","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"validationId","type":"bytes32"},
		{"indexed":true,"name":"validator","type":"address"},
		{"indexed":false,"name":"isValid","type":"bool"}],
		"name":"ValidationResponded","type":"event"}
]`

// Legacy registry events: same information, different shapes. The metadata
// URI rides in the data section next to the name, feedback has no tags, and
// ratings come in on a 0-5 scale.
const legacyRegistryABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":false,"name":"owner","type":"address"},
		{"indexed":false,"name":"metadataURI","type":"string"}],
		"name":"AgentRegistered","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":false,"name":"oldURI","type":"string"},
		{"indexed":false,"name":"newURI","type":"string"}],
		"name":"MetadataURIUpdated","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"agentId","type":"uint256"},
		{"indexed":true,"name":"reviewer","type":"address"},
		{"indexed":false,"name":"rating","type":"uint8"},
		{"indexed":false,"name":"taskHash","type":"bytes32"}],
		"name":"FeedbackSubmitted","type":"event"}
]`

var (
	currentABI abi.ABI
	legacyABI  abi.ABI

	// topic0 per event
	sigRegistered          = crypto.Keccak256Hash([]byte("Registered(uint256,address,string)"))
	sigURIUpdated          = crypto.Keccak256Hash([]byte("URIUpdated(uint256,string)"))
	sigTransfer            = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	sigNewFeedback         = crypto.Keccak256Hash([]byte("NewFeedback(uint256,address,uint8,bytes32,string[])"))
	sigValidationRequested = crypto.Keccak256Hash([]byte("ValidationRequested(bytes32,uint256,address,bytes32)"))
	sigValidationResponded = crypto.Keccak256Hash([]byte("ValidationResponded(bytes32,address,bool)"))

	sigAgentRegistered    = crypto.Keccak256Hash([]byte("AgentRegistered(uint256,address,string)"))
	sigMetadataURIUpdated = crypto.Keccak256Hash([]byte("MetadataURIUpdated(uint256,string,string)"))
	sigFeedbackSubmitted  = crypto.Keccak256Hash([]byte("FeedbackSubmitted(uint256,address,uint8,bytes32)"))
)

func init() {
	var err error
	currentABI, err = abi.JSON(strings.NewReader(currentRegistryABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse current registry ABI: %v", err))
	}
	legacyABI, err = abi.JSON(strings.NewReader(legacyRegistryABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse legacy registry ABI: %v", err))
	}
}

// TopicsFor returns the topic0 hashes a stream of the given kind filters on,
// across both registry generations.
func TopicsFor(kind Kind) []common.Hash {
	switch kind {
	case KindRegistration:
		return []common.Hash{sigRegistered, sigAgentRegistered}
	case KindURIUpdate:
		return []common.Hash{sigURIUpdated, sigMetadataURIUpdated}
	case KindTransfer:
		return []common.Hash{sigTransfer}
	case KindFeedback:
		return []common.Hash{sigNewFeedback, sigFeedbackSubmitted}
	case KindValidationRequest:
		return []common.Hash{sigValidationRequested}
	case KindValidationResponse:
		return []common.Hash{sigValidationResponded}
	default:
		return nil
	}
}

// DecodeLog normalizes one raw log into a canonical Event. Logs whose topic0
// is not a registry event return (nil, nil) so callers can skip them.
func DecodeLog(chainID int64, lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	e := &Event{
		ChainID:     chainID,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}

	switch lg.Topics[0] {
	case sigRegistered:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("registered event: got %d topics", len(lg.Topics))
		}
		vals, err := currentABI.Unpack("Registered", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Registered: %w", err)
		}
		e.Kind = KindRegistration
		e.Mode = ModeCurrent
		e.AgentID = topicUint(lg.Topics[1])
		e.Owner = topicAddr(lg.Topics[2])
		e.URI, _ = vals[0].(string)

	case sigAgentRegistered:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("legacy registered event: got %d topics", len(lg.Topics))
		}
		vals, err := legacyABI.Unpack("AgentRegistered", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack AgentRegistered: %w", err)
		}
		e.Kind = KindRegistration
		e.Mode = ModeLegacy
		e.AgentID = topicUint(lg.Topics[1])
		if addr, ok := vals[0].(common.Address); ok {
			e.Owner = strings.ToLower(addr.Hex())
		}
		e.URI, _ = vals[1].(string)

	case sigURIUpdated:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("uri update event: got %d topics", len(lg.Topics))
		}
		vals, err := currentABI.Unpack("URIUpdated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack URIUpdated: %w", err)
		}
		e.Kind = KindURIUpdate
		e.Mode = ModeCurrent
		e.AgentID = topicUint(lg.Topics[1])
		e.URI, _ = vals[0].(string)

	case sigMetadataURIUpdated:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("legacy uri update event: got %d topics", len(lg.Topics))
		}
		vals, err := legacyABI.Unpack("MetadataURIUpdated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack MetadataURIUpdated: %w", err)
		}
		e.Kind = KindURIUpdate
		e.Mode = ModeLegacy
		e.AgentID = topicUint(lg.Topics[1])
		// vals[0] is the old URI; only the new one matters downstream.
		e.URI, _ = vals[1].(string)

	case sigTransfer:
		if len(lg.Topics) < 4 {
			// ERC-20 transfers share this signature with only 3 topics.
			return nil, nil
		}
		e.Kind = KindTransfer
		e.Mode = ModeCurrent
		e.From = topicAddr(lg.Topics[1])
		e.Owner = topicAddr(lg.Topics[2])
		e.AgentID = topicUint(lg.Topics[3])

	case sigNewFeedback:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("feedback event: got %d topics", len(lg.Topics))
		}
		vals, err := currentABI.Unpack("NewFeedback", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack NewFeedback: %w", err)
		}
		e.Kind = KindFeedback
		e.Mode = ModeCurrent
		e.AgentID = topicUint(lg.Topics[1])
		e.Reviewer = topicAddr(lg.Topics[2])
		if score, ok := vals[0].(uint8); ok {
			e.Rating = int(score)
		}
		if th, ok := vals[1].([32]byte); ok {
			e.TaskHash = common.BytesToHash(th[:]).Hex()
		}
		e.Tags, _ = vals[2].([]string)

	case sigFeedbackSubmitted:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("legacy feedback event: got %d topics", len(lg.Topics))
		}
		vals, err := legacyABI.Unpack("FeedbackSubmitted", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack FeedbackSubmitted: %w", err)
		}
		e.Kind = KindFeedback
		e.Mode = ModeLegacy
		e.AgentID = topicUint(lg.Topics[1])
		e.Reviewer = topicAddr(lg.Topics[2])
		if rating, ok := vals[0].(uint8); ok {
			// Legacy ratings are 0-5 stars; scale to 0-100.
			e.Rating = int(rating) * 20
		}
		if th, ok := vals[1].([32]byte); ok {
			e.TaskHash = common.BytesToHash(th[:]).Hex()
		}

	case sigValidationRequested:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("validation request event: got %d topics", len(lg.Topics))
		}
		vals, err := currentABI.Unpack("ValidationRequested", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack ValidationRequested: %w", err)
		}
		e.Kind = KindValidationRequest
		e.Mode = ModeCurrent
		e.ValidationID = lg.Topics[1].Hex()
		e.AgentID = topicUint(lg.Topics[2])
		if addr, ok := vals[0].(common.Address); ok {
			e.Requester = strings.ToLower(addr.Hex())
		}
		if th, ok := vals[1].([32]byte); ok {
			e.TaskHash = common.BytesToHash(th[:]).Hex()
		}

	case sigValidationResponded:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("validation response event: got %d topics", len(lg.Topics))
		}
		vals, err := currentABI.Unpack("ValidationResponded", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack ValidationResponded: %w", err)
		}
		e.Kind = KindValidationResponse
		e.Mode = ModeCurrent
		e.ValidationID = lg.Topics[1].Hex()
		e.Validator = topicAddr(lg.Topics[2])
		e.IsValid, _ = vals[0].(bool)

	default:
		return nil, nil
	}

	return e, nil
}

func topicUint(t common.Hash) string {
	return new(big.Int).SetBytes(t.Bytes()).String()
}

func topicAddr(t common.Hash) string {
	return strings.ToLower(common.BytesToAddress(t.Bytes()).Hex())
}
