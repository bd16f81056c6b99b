package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrSendFailed        = errors.New("chain: transaction send failed")
)

// Minimal calls the writer needs on the registries.
const writerABIJSON = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"agentId","type":"uint256"},
		{"name":"score","type":"uint8"},
		{"name":"comment","type":"string"},
		{"name":"tags","type":"string[]"}],
		"name":"giveFeedback","outputs":[],"type":"function"}
]`

// DefaultGasLimit bounds feedback transactions when estimation fails.
const DefaultGasLimit = uint64(200000)

// Writer signs and sends oracle feedback to one chain's reputation registry.
type Writer struct {
	client     EthClient
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address
	identity   common.Address
	reputation common.Address
	abi        abi.ABI
}

// NewWriter derives the signing wallet and binds it to one chain's
// registries. The private key is hex, with or without an 0x prefix.
func NewWriter(c *Client, privateKeyHex string) (*Writer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsed, err := abi.JSON(strings.NewReader(writerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse writer ABI: %w", err)
	}

	return &Writer{
		client:     c.client,
		chainID:    big.NewInt(c.cfg.ChainID),
		privateKey: key,
		address:    crypto.PubkeyToAddress(*pub),
		identity:   common.HexToAddress(c.cfg.IdentityRegistry),
		reputation: common.HexToAddress(c.cfg.ReputationRegistry),
		abi:        parsed,
	}, nil
}

// Address returns the oracle wallet address on this chain.
func (w *Writer) Address() string {
	return strings.ToLower(w.address.Hex())
}

// Balance returns the wallet's native token balance in wei.
func (w *Writer) Balance(ctx context.Context) (*big.Int, error) {
	return w.client.BalanceAt(ctx, w.address, nil)
}

// AgentOwner resolves the on-chain owner of an agent id on this chain's
// identity registry. Returns ErrNotRegistered when the id does not exist.
func (w *Writer) AgentOwner(ctx context.Context, agentID string) (string, error) {
	id, ok := new(big.Int).SetString(agentID, 10)
	if !ok {
		return "", fmt.Errorf("chain: bad agent id %q", agentID)
	}

	data, err := w.abi.Pack("ownerOf", id)
	if err != nil {
		return "", fmt.Errorf("pack ownerOf: %w", err)
	}

	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.identity, Data: data}, nil)
	if err != nil {
		// ownerOf reverts for unknown token ids.
		return "", ErrNotRegistered
	}
	if len(out) < 32 {
		return "", ErrNotRegistered
	}

	owner := common.BytesToAddress(out[12:32])
	if owner == (common.Address{}) {
		return "", ErrNotRegistered
	}
	return strings.ToLower(owner.Hex()), nil
}

// SubmitFeedback signs and sends a giveFeedback transaction to this chain's
// reputation registry and returns the transaction hash.
func (w *Writer) SubmitFeedback(ctx context.Context, agentID string, score int, comment string, tags []string) (string, error) {
	id, ok := new(big.Int).SetString(agentID, 10)
	if !ok {
		return "", fmt.Errorf("chain: bad agent id %q", agentID)
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if tags == nil {
		tags = []string{}
	}

	data, err := w.abi.Pack("giveFeedback", id, uint8(score), comment, tags)
	if err != nil {
		return "", fmt.Errorf("pack giveFeedback: %w", err)
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &w.reputation,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, w.reputation, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return signed.Hash().Hex(), nil
}
