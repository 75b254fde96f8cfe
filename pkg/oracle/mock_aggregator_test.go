package oracle

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mockAggregator is a settable AggregatorV3Interface reporting 8 decimals.
// Reads revert with "No access" once access is revoked.
const mockAggregatorABI = "[{\"inputs\":[],\"stateMutability\":\"nonpayable\",\"type\":\"constructor\"},{\"inputs\":[],\"name\":\"accessDenied\",\"outputs\":[{\"internalType\":\"bool\",\"name\":\"\",\"type\":\"bool\"}],\"stateMutability\":\"view\",\"type\":\"function\"},{\"inputs\":[],\"name\":\"decimals\",\"outputs\":[{\"internalType\":\"uint8\",\"name\":\"\",\"type\":\"uint8\"}],\"stateMutability\":\"view\",\"type\":\"function\"},{\"inputs\":[],\"name\":\"description\",\"outputs\":[{\"internalType\":\"string\",\"name\":\"\",\"type\":\"string\"}],\"stateMutability\":\"view\",\"type\":\"function\"},{\"inputs\":[{\"internalType\":\"uint80\",\"name\":\"_roundId\",\"type\":\"uint80\"}],\"name\":\"getRoundData\",\"outputs\":[{\"internalType\":\"uint80\",\"name\":\"roundId\",\"type\":\"uint80\"},{\"internalType\":\"int256\",\"name\":\"answer\",\"type\":\"int256\"},{\"internalType\":\"uint256\",\"name\":\"startedAt\",\"type\":\"uint256\"},{\"internalType\":\"uint256\",\"name\":\"updatedAt\",\"type\":\"uint256\"},{\"internalType\":\"uint80\",\"name\":\"answeredInRound\",\"type\":\"uint80\"}],\"stateMutability\":\"view\",\"type\":\"function\"},{\"inputs\":[],\"name\":\"latestRoundData\",\"outputs\":[{\"internalType\":\"uint80\",\"name\":\"roundId\",\"type\":\"uint80\"},{\"internalType\":\"int256\",\"name\":\"answer\",\"type\":\"int256\"},{\"internalType\":\"uint256\",\"name\":\"startedAt\",\"type\":\"uint256\"},{\"internalType\":\"uint256\",\"name\":\"updatedAt\",\"type\":\"uint256\"},{\"internalType\":\"uint80\",\"name\":\"answeredInRound\",\"type\":\"uint80\"}],\"stateMutability\":\"view\",\"type\":\"function\"},{\"inputs\":[{\"internalType\":\"bool\",\"name\":\"_granted\",\"type\":\"bool\"}],\"name\":\"setAccess\",\"outputs\":[],\"stateMutability\":\"nonpayable\",\"type\":\"function\"},{\"inputs\":[{\"internalType\":\"uint80\",\"name\":\"_roundId\",\"type\":\"uint80\"},{\"internalType\":\"int256\",\"name\":\"_answer\",\"type\":\"int256\"},{\"internalType\":\"uint256\",\"name\":\"_startedAt\",\"type\":\"uint256\"},{\"internalType\":\"uint256\",\"name\":\"_updatedAt\",\"type\":\"uint256\"},{\"internalType\":\"uint80\",\"name\":\"_answeredInRound\",\"type\":\"uint80\"}],\"name\":\"setLastRound\",\"outputs\":[],\"stateMutability\":\"nonpayable\",\"type\":\"function\"},{\"inputs\":[],\"name\":\"version\",\"outputs\":[{\"internalType\":\"uint256\",\"name\":\"\",\"type\":\"uint256\"}],\"stateMutability\":\"view\",\"type\":\"function\"}]"

const mockAggregatorBin = "0x60a060405234801561001057600080fd5b50600160fb1b608052600861045e610032600039600060b4015261045e6000f3fe608060405234801561001057600080fd5b50600436106100885760003560e01c806359ce7d4c1161005b57806359ce7d4c146101525780637284e416146101725780639a6fc8f514610187578063feaf968c146101d857610088565b806304057c431461008d578063313ce567146100af578063354b0ec7146100e857806354fd4d501461013b575b600080fd5b60075461009a9060ff1681565b60405190151581526020015b60405180910390f35b6100d67f000000000000000000000000000000000000000000000000000000000000000081565b60405160ff90911681526020016100a6565b6101396100f636600461034b565b6000805469ffffffffffffffffffff96871669ffffffffffffffffffff199182161790915560019490945560029290925560035560048054919093169116179055565b005b61014460055481565b6040519081526020016100a6565b61013961016036600461030a565b6007805460ff19169115919091179055565b61017a6101e0565b6040516100a6919061039a565b6101a1610195366004610331565b90600090819081908190565b6040805169ffffffffffffffffffff968716815260208101959095528401929092526060830152909116608082015260a0016100a6565b6101a161026e565b600680546101ed906103ed565b80601f0160208091040260200160405190810160405280929190818152602001828054610219906103ed565b80156102665780601f1061023b57610100808354040283529160200191610266565b820191906000526020600020905b81548152906001019060200180831161024957829003601f168201915b505050505081565b600754600090819081908190819060ff16156102bc5760405162461bcd60e51b81526020600482015260096024820152684e6f2061636365737360b81b604482015260640160405180910390fd5b505060005460015460025460035460045469ffffffffffffffffffff9485169893975091955093509190911690565b803569ffffffffffffffffffff8116811461030557600080fd5b919050565b60006020828403121561031b578081fd5b8135801515811461032a578182fd5b9392505050565b600060208284031215610342578081fd5b61032a826102eb565b600080600080600060a08688031215610362578081fd5b61036b866102eb565b945060208601359350604086013592506060860135915061038e608087016102eb565b90509295509295909350565b6000602080835283518082850152825b818110156103c6578581018301518582016040015282016103aa565b818111156103d75783604083870101525b50601f01601f1916929092016040019392505050565b60028104600182168061040157607f821691505b6020821081141561042257634e487b7160e01b600052602260045260246000fd5b5091905056fea264697066735822122022fc1deb3ae99ee4b9f57772fb044c3effbff67eda8cbbb85191c162c3c9663764736f6c63430008020033"

type mockAggregator struct {
	contract *bind.BoundContract
}

func deployMockAggregator(auth *bind.TransactOpts, backend bind.ContractBackend) (common.Address, *mockAggregator, error) {
	parsed, err := abi.JSON(strings.NewReader(mockAggregatorABI))
	if err != nil {
		return common.Address{}, nil, err
	}
	addr, _, contract, err := bind.DeployContract(auth, parsed, common.FromHex(mockAggregatorBin), backend)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, &mockAggregator{contract: contract}, nil
}

func (m *mockAggregator) setLastRound(auth *bind.TransactOpts, answer *big.Int, updatedAt int64) (*types.Transaction, error) {
	zero := new(big.Int)
	return m.contract.Transact(auth, "setLastRound", zero, answer, big.NewInt(updatedAt), big.NewInt(updatedAt), zero)
}

func (m *mockAggregator) setAccess(auth *bind.TransactOpts, granted bool) (*types.Transaction, error) {
	return m.contract.Transact(auth, "setAccess", granted)
}
