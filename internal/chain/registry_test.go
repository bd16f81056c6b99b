package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintTopic(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

func addrTopic(a string) common.Hash {
	return common.BytesToHash(common.HexToAddress(a).Bytes())
}

func TestDecodeCurrentRegistration(t *testing.T) {
	ev := currentABI.Events["Registered"]
	data, err := ev.Inputs.NonIndexed().Pack("https://agents.example/7.json")
	require.NoError(t, err)

	lg := types.Log{
		Topics: []common.Hash{
			sigRegistered,
			uintTopic(7),
			addrTopic("0xAAa0000000000000000000000000000000000001"),
		},
		Data:        data,
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 120,
	}

	e, err := DecodeLog(84532, lg)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, KindRegistration, e.Kind)
	assert.Equal(t, ModeCurrent, e.Mode)
	assert.Equal(t, "7", e.AgentID)
	assert.Equal(t, "0xaaa0000000000000000000000000000000000001", e.Owner)
	assert.Equal(t, "https://agents.example/7.json", e.URI)
	assert.Equal(t, uint64(120), e.BlockNumber)
}

func TestDecodeLegacyRegistrationNormalizes(t *testing.T) {
	ev := legacyABI.Events["AgentRegistered"]
	data, err := ev.Inputs.NonIndexed().Pack(
		common.HexToAddress("0xBBB0000000000000000000000000000000000002"),
		"ipfs://QmAgent9",
	)
	require.NoError(t, err)

	lg := types.Log{
		Topics:      []common.Hash{sigAgentRegistered, uintTopic(9)},
		Data:        data,
		TxHash:      common.HexToHash("0x02"),
		BlockNumber: 77,
	}

	e, err := DecodeLog(84532, lg)
	require.NoError(t, err)
	require.NotNil(t, e)

	// Same canonical shape as the current registry, only the mode differs.
	assert.Equal(t, KindRegistration, e.Kind)
	assert.Equal(t, ModeLegacy, e.Mode)
	assert.Equal(t, "9", e.AgentID)
	assert.Equal(t, "0xbbb0000000000000000000000000000000000002", e.Owner)
	assert.Equal(t, "ipfs://QmAgent9", e.URI)
}

func TestDecodeLegacyFeedbackRescalesRating(t *testing.T) {
	ev := legacyABI.Events["FeedbackSubmitted"]
	data, err := ev.Inputs.NonIndexed().Pack(uint8(4), [32]byte{0xde, 0xad})
	require.NoError(t, err)

	lg := types.Log{
		Topics: []common.Hash{
			sigFeedbackSubmitted,
			uintTopic(3),
			addrTopic("0xCCC0000000000000000000000000000000000003"),
		},
		Data:   data,
		TxHash: common.HexToHash("0x03"),
	}

	e, err := DecodeLog(1, lg)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, KindFeedback, e.Kind)
	assert.Equal(t, ModeLegacy, e.Mode)
	assert.Equal(t, 80, e.Rating) // 4 stars on the 0-5 scale
	assert.Equal(t, "0xccc0000000000000000000000000000000000003", e.Reviewer)
}

func TestDecodeCurrentFeedbackWithTags(t *testing.T) {
	ev := currentABI.Events["NewFeedback"]
	data, err := ev.Inputs.NonIndexed().Pack(uint8(92), [32]byte{0x01}, []string{"speed", "accuracy"})
	require.NoError(t, err)

	lg := types.Log{
		Topics: []common.Hash{
			sigNewFeedback,
			uintTopic(5),
			addrTopic("0xDDD0000000000000000000000000000000000004"),
		},
		Data:   data,
		TxHash: common.HexToHash("0x04"),
	}

	e, err := DecodeLog(1, lg)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 92, e.Rating)
	assert.Equal(t, []string{"speed", "accuracy"}, e.Tags)
}

func TestDecodeSkipsERC20Transfer(t *testing.T) {
	// Same topic0 as ERC-721 but only 3 topics: amount rides in data.
	lg := types.Log{
		Topics: []common.Hash{
			sigTransfer,
			addrTopic("0x01"),
			addrTopic("0x02"),
		},
		Data: common.LeftPadBytes(big.NewInt(1000).Bytes(), 32),
	}

	e, err := DecodeLog(1, lg)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestDecodeIdentityTransfer(t *testing.T) {
	lg := types.Log{
		Topics: []common.Hash{
			sigTransfer,
			addrTopic("0xAAA0000000000000000000000000000000000001"),
			addrTopic("0xBBB0000000000000000000000000000000000002"),
			uintTopic(11),
		},
		TxHash: common.HexToHash("0x05"),
	}

	e, err := DecodeLog(1, lg)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, KindTransfer, e.Kind)
	assert.Equal(t, "11", e.AgentID)
	assert.Equal(t, "0xaaa0000000000000000000000000000000000001", e.From)
	assert.Equal(t, "0xbbb0000000000000000000000000000000000002", e.Owner)
}

func TestDecodeUnknownTopicIgnored(t *testing.T) {
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0xdeadbeef")}}
	e, err := DecodeLog(1, lg)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestDecodeValidationPair(t *testing.T) {
	reqEv := currentABI.Events["ValidationRequested"]
	reqData, err := reqEv.Inputs.NonIndexed().Pack(
		common.HexToAddress("0xEEE0000000000000000000000000000000000005"),
		[32]byte{0xbe, 0xef},
	)
	require.NoError(t, err)

	valID := common.HexToHash("0xabc123")
	req, err := DecodeLog(1, types.Log{
		Topics: []common.Hash{sigValidationRequested, valID, uintTopic(6)},
		Data:   reqData,
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, KindValidationRequest, req.Kind)
	assert.Equal(t, valID.Hex(), req.ValidationID)
	assert.Equal(t, "6", req.AgentID)
	assert.Equal(t, "0xeee0000000000000000000000000000000000005", req.Requester)

	respEv := currentABI.Events["ValidationResponded"]
	respData, err := respEv.Inputs.NonIndexed().Pack(true)
	require.NoError(t, err)

	resp, err := DecodeLog(1, types.Log{
		Topics: []common.Hash{
			sigValidationResponded,
			valID,
			addrTopic("0xFFF0000000000000000000000000000000000006"),
		},
		Data: respData,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, KindValidationResponse, resp.Kind)
	assert.Equal(t, valID.Hex(), resp.ValidationID)
	assert.True(t, resp.IsValid)
}
