package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// aggregatorV3ABI covers the read-only AggregatorV3Interface calls.
const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"description","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// ChainlinkFeed reads an on-chain AggregatorV3Interface contract.
type ChainlinkFeed struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewChainlinkFeed binds the aggregator at address through caller, which is
// typically an *ethclient.Client or a simulated backend.
func NewChainlinkFeed(address common.Address, caller bind.ContractCaller) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, err
	}
	return &ChainlinkFeed{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}, nil
}

// Address returns the aggregator contract address.
func (f *ChainlinkFeed) Address() common.Address { return f.address }

func (f *ChainlinkFeed) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (f *ChainlinkFeed) Description(ctx context.Context) (string, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "description"); err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (f *ChainlinkFeed) LatestRoundData(ctx context.Context) (Round, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Round{}, err
	}
	if len(out) != 5 {
		return Round{}, fmt.Errorf("latestRoundData: unexpected %d outputs", len(out))
	}
	bigAt := func(i int) *big.Int {
		return *abi.ConvertType(out[i], new(*big.Int)).(**big.Int)
	}
	return Round{
		RoundID:         bigAt(0),
		Answer:          bigAt(1),
		StartedAt:       unixTime(bigAt(2)),
		UpdatedAt:       unixTime(bigAt(3)),
		AnsweredInRound: bigAt(4),
	}, nil
}

func unixTime(secs *big.Int) time.Time {
	if secs == nil || !secs.IsInt64() {
		return time.Time{}
	}
	return time.Unix(secs.Int64(), 0)
}
