package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

type Vendor string

const (
	VendorGeneric  Vendor = "generic"
	VendorPimlico  Vendor = "pimlico"
	VendorAlchemy  Vendor = "alchemy"
	VendorThirdweb Vendor = "thirdweb"
)

// Config describes one vendor's endpoints. PaymasterURL defaults to
// BundlerURL; an empty PaymasterURL together with Unsponsored disables
// sponsorship entirely.
type Config struct {
	Vendor       Vendor
	BundlerURL   string
	PaymasterURL string
	APIKey       string
	Timeout      time.Duration
	Unsponsored  bool
}

// JSON-RPC codes paymasters use to decline an operation rather than fail.
var sponsorshipRefusalCodes = map[int]bool{
	-32501: true, // rejected by paymaster validation
	-32504: true, // paymaster throttled or banned
}

var sponsorshipRefusalHints = []string{
	"not eligible",
	"policy",
	"not sponsored",
	"sponsorship",
	"insufficient balance",
}

func isSponsorshipRefusal(err error) bool {
	var pe *aaerrors.ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	if sponsorshipRefusalCodes[pe.Code] {
		return true
	}
	msg := strings.ToLower(pe.Message)
	for _, hint := range sponsorshipRefusalHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

type sponsorFunc func(ctx context.Context, b *Bundler, req *SponsorRequest) (*userop.PaymasterFields, error)
type feesFunc func(ctx context.Context, b *Bundler) (*Fees, error)

// Bundler implements Provider for every supported vendor. The vendor only
// changes how sponsorship and fee suggestions are requested.
type Bundler struct {
	name      string
	vendor    Vendor
	bundler   *Client
	paymaster *Client
	sponsor   sponsorFunc
	fees      feesFunc
}

// NewProvider builds the provider for cfg.Vendor.
func NewProvider(ctx context.Context, cfg Config) (*Bundler, error) {
	if cfg.BundlerURL == "" {
		return nil, fmt.Errorf("bundler url is required")
	}

	b := &Bundler{name: string(cfg.Vendor), vendor: cfg.Vendor}
	opts := []ClientOption{}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}

	switch cfg.Vendor {
	case VendorGeneric, "":
		b.name = string(VendorGeneric)
		b.vendor = VendorGeneric
		b.sponsor = sponsorWithPmSponsor
	case VendorPimlico:
		b.sponsor = sponsorWithPmSponsor
		b.fees = pimlicoFees
	case VendorAlchemy:
		b.sponsor = sponsorWithAlchemy
	case VendorThirdweb:
		if cfg.APIKey != "" {
			opts = append(opts, WithHeader("x-secret-key", cfg.APIKey))
		}
		b.sponsor = sponsorWithPmSponsor
		b.fees = thirdwebFees
	default:
		return nil, fmt.Errorf("unsupported bundler vendor %q", cfg.Vendor)
	}

	var err error
	b.bundler, err = NewClient(ctx, b.name, cfg.BundlerURL, opts...)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.Unsponsored:
	case cfg.PaymasterURL == "" || cfg.PaymasterURL == cfg.BundlerURL:
		b.paymaster = b.bundler
	default:
		b.paymaster, err = NewClient(ctx, b.name+"-paymaster", cfg.PaymasterURL, opts...)
		if err != nil {
			b.bundler.Close()
			return nil, err
		}
	}

	return b, nil
}

func (b *Bundler) Vendor() Vendor { return b.vendor }

type pmSponsorResult struct {
	PaymasterAndData              hexutil.Bytes   `json:"paymasterAndData"`
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	PaymasterVerificationGasLimit *Quantity       `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *Quantity       `json:"paymasterPostOpGasLimit"`
	PreVerificationGas            *Quantity       `json:"preVerificationGas"`
	VerificationGasLimit          *Quantity       `json:"verificationGasLimit"`
	CallGasLimit                  *Quantity       `json:"callGasLimit"`
}

// sponsorWithPmSponsor speaks pm_sponsorUserOperation as served by Pimlico,
// thirdweb and most self-hosted paymasters.
func sponsorWithPmSponsor(ctx context.Context, b *Bundler, req *SponsorRequest) (*userop.PaymasterFields, error) {
	op := req.Op
	if len(req.DummySignature) > 0 && len(op.Base().Signature) == 0 {
		op = userop.WithSignature(op, req.DummySignature)
	}

	args := []any{op, req.EntryPoint.Hex()}
	if req.PolicyID != "" {
		args = append(args, map[string]string{"sponsorshipPolicyId": req.PolicyID})
	}

	var result *pmSponsorResult
	if err := b.paymaster.Call(ctx, &result, "pm_sponsorUserOperation", args...); err != nil {
		return nil, err
	}
	if result == nil || (len(result.PaymasterAndData) == 0 && result.Paymaster == nil) {
		return nil, nil
	}

	fields := &userop.PaymasterFields{
		PaymasterAndData: result.PaymasterAndData,
		PaymasterData:    result.PaymasterData,
	}
	if result.Paymaster != nil && *result.Paymaster != (common.Address{}) {
		fields.Paymaster = result.Paymaster
		fields.PaymasterVerificationGasLimit = result.PaymasterVerificationGasLimit.ToInt()
		fields.PaymasterPostOpGasLimit = result.PaymasterPostOpGasLimit.ToInt()
	}
	if result.CallGasLimit != nil || result.VerificationGasLimit != nil || result.PreVerificationGas != nil {
		fields.Gas = &userop.GasFields{
			CallGasLimit:         result.CallGasLimit.ToInt(),
			VerificationGasLimit: result.VerificationGasLimit.ToInt(),
			PreVerificationGas:   result.PreVerificationGas.ToInt(),
		}
	}
	return fields, nil
}

// alchemyGasAndPaymaster mirrors the loosely typed result of
// alchemy_requestGasAndPaymasterAndData. Numbers arrive as hex strings.
type alchemyGasAndPaymaster struct {
	PaymasterAndData              string `mapstructure:"paymasterAndData"`
	Paymaster                     string `mapstructure:"paymaster"`
	PaymasterData                 string `mapstructure:"paymasterData"`
	PaymasterVerificationGasLimit string `mapstructure:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       string `mapstructure:"paymasterPostOpGasLimit"`
	CallGasLimit                  string `mapstructure:"callGasLimit"`
	VerificationGasLimit          string `mapstructure:"verificationGasLimit"`
	PreVerificationGas            string `mapstructure:"preVerificationGas"`
	MaxFeePerGas                  string `mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas          string `mapstructure:"maxPriorityFeePerGas"`
}

func sponsorWithAlchemy(ctx context.Context, b *Bundler, req *SponsorRequest) (*userop.PaymasterFields, error) {
	if req.PolicyID == "" {
		return nil, nil
	}

	params := map[string]any{
		"policyId":      req.PolicyID,
		"entryPoint":    req.EntryPoint.Hex(),
		"userOperation": req.Op,
	}
	if len(req.DummySignature) > 0 {
		params["dummySignature"] = hexutil.Encode(req.DummySignature)
	}

	var raw map[string]any
	if err := b.paymaster.Call(ctx, &raw, "alchemy_requestGasAndPaymasterAndData", params); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var decoded alchemyGasAndPaymaster
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &decoded,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, b.malformed("alchemy_requestGasAndPaymasterAndData", err.Error())
	}
	if decoded.PaymasterAndData == "" && decoded.Paymaster == "" {
		return nil, nil
	}
	return decoded.fields()
}

func (a *alchemyGasAndPaymaster) fields() (*userop.PaymasterFields, error) {
	var errs []error
	num := func(s string) *big.Int {
		if s == "" {
			return nil
		}
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		return v
	}
	data := func(s string) []byte {
		if s == "" {
			return nil
		}
		v, err := hexutil.Decode(s)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	fields := &userop.PaymasterFields{
		PaymasterAndData: data(a.PaymasterAndData),
		PaymasterData:    data(a.PaymasterData),
		Gas: &userop.GasFields{
			CallGasLimit:         num(a.CallGasLimit),
			VerificationGasLimit: num(a.VerificationGasLimit),
			PreVerificationGas:   num(a.PreVerificationGas),
			MaxFeePerGas:         num(a.MaxFeePerGas),
			MaxPriorityFeePerGas: num(a.MaxPriorityFeePerGas),
		},
	}
	if a.Paymaster != "" {
		if !common.IsHexAddress(a.Paymaster) {
			errs = append(errs, fmt.Errorf("paymaster %q is not an address", a.Paymaster))
		} else {
			pm := common.HexToAddress(a.Paymaster)
			fields.Paymaster = &pm
			fields.PaymasterVerificationGasLimit = num(a.PaymasterVerificationGasLimit)
			fields.PaymasterPostOpGasLimit = num(a.PaymasterPostOpGasLimit)
		}
	}
	if len(errs) > 0 {
		return nil, &aaerrors.TransportError{Provider: string(VendorAlchemy), Method: "alchemy_requestGasAndPaymasterAndData", Malformed: true, Err: errors.Join(errs...)}
	}
	return fields, nil
}

func pimlicoFees(ctx context.Context, b *Bundler) (*Fees, error) {
	var result struct {
		Slow     *feesJSON `json:"slow"`
		Standard *feesJSON `json:"standard"`
		Fast     *feesJSON `json:"fast"`
	}
	if err := b.bundler.Call(ctx, &result, "pimlico_getUserOperationGasPrice"); err != nil {
		return nil, err
	}
	fees, err := result.Standard.fees()
	if err != nil {
		return nil, b.malformed("pimlico_getUserOperationGasPrice", err.Error())
	}
	return fees, nil
}

func thirdwebFees(ctx context.Context, b *Bundler) (*Fees, error) {
	var result *feesJSON
	if err := b.bundler.Call(ctx, &result, "thirdweb_getUserOperationGasPrice"); err != nil {
		return nil, err
	}
	fees, err := result.fees()
	if err != nil {
		return nil, b.malformed("thirdweb_getUserOperationGasPrice", err.Error())
	}
	return fees, nil
}
