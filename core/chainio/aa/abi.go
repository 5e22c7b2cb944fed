package aa

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the entry points the engine calls are declared here.

const factoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"ret","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]}
]`

// SimpleAccount for EntryPoint v0.6, plus executeBatchWithValues for valued
// batches.
const simpleAccountV06ABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],"outputs":[]},
	{"type":"function","name":"executeBatchWithValues","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

// SimpleAccount v0.7 and LightAccount share this batch signature.
const valuedBatchAccountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

const entryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	factoryABI            = mustParseABI("factory", factoryABIJSON)
	simpleAccountV06ABI   = mustParseABI("simple account v0.6", simpleAccountV06ABIJSON)
	valuedBatchAccountABI = mustParseABI("valued batch account", valuedBatchAccountABIJSON)
	entryPointABI         = mustParseABI("entrypoint", entryPointABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("invalid %s ABI: %w", name, err))
	}
	return parsed
}
