package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signer produces an account signature over a UserOperation hash. The
// signature must verify against Address() for the same hash regardless of
// where the key lives.
type Signer interface {
	Address() common.Address
	SignHash(ctx context.Context, hash common.Hash) ([]byte, error)
}

// PrivateKeySigner holds the owner key in process.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func FromPrivateKeyHex(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, err
	}
	return NewPrivateKeySigner(privateKey), nil
}

func (s *PrivateKeySigner) Address() common.Address { return s.address }

// SignHash signs the 32 raw hash bytes EIP-191 style, which is what
// SimpleAccount and LightAccount validateUserOp expect.
func (s *PrivateKeySigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	return SignMessage(s.key, hash.Bytes())
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, e := crypto.Sign(messageHash(data).Bytes(), key)
	if e != nil {
		return nil, e
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, e := SignMessage(key, data)
	if e == nil {
		return common.Bytes2Hex(signature), nil
	}

	return "", e
}

// Recover returns the address whose key produced an EIP-191 signature over
// hash. v may be 0/1 or 27/28.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	return RecoverMessage(hash.Bytes(), sig)
}

func RecoverMessage(data []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: v=%d", ErrInvalidSignature, sig[64])
	}

	pub, err := crypto.SigToPub(messageHash(data).Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func messageHash(data []byte) common.Hash {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256Hash(append(prefix, data...))
}
