package signer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	remoteSignerTimeout  = 10 * time.Second
	remoteSignerTokenTTL = time.Minute
)

type remoteSignRequest struct {
	Hash    common.Hash    `json:"hash"`
	Address common.Address `json:"address"`
}

type remoteSignResponse struct {
	Signature hexutil.Bytes `json:"signature"`
}

type remoteSignError struct {
	Error string `json:"error"`
}

// RemoteSigner delegates signing to a key service. The caller supplies the
// hash; the service only ever sees the 32 bytes to sign. Each request carries
// a short-lived HS256 bearer token.
type RemoteSigner struct {
	client    *resty.Client
	address   common.Address
	jwtSecret []byte
}

func NewRemoteSigner(baseURL string, address common.Address, jwtSecret string) *RemoteSigner {
	client := resty.New()
	client.SetTimeout(remoteSignerTimeout)
	client.SetBaseURL(strings.TrimSuffix(baseURL, "/"))
	client.SetHeader("Content-Type", "application/json")

	return &RemoteSigner{
		client:    client,
		address:   address,
		jwtSecret: []byte(jwtSecret),
	}
}

func (s *RemoteSigner) Address() common.Address { return s.address }

func (s *RemoteSigner) token() (string, error) {
	claims := &jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(remoteSignerTokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    "AvaProtocol",
		Subject:   s.address.Hex(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *RemoteSigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	token, err := s.token()
	if err != nil {
		return nil, fmt.Errorf("remote signer token: %w", err)
	}

	var result remoteSignResponse
	var failure remoteSignError
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(&remoteSignRequest{Hash: hash, Address: s.address}).
		SetResult(&result).
		SetError(&failure).
		Post("/sign")
	if err != nil {
		return nil, fmt.Errorf("remote signer request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote signer returned %d: %s", resp.StatusCode(), failure.Error)
	}

	// the service must sign for the account we think it does
	signer, err := Recover(hash, result.Signature)
	if err != nil {
		return nil, err
	}
	if signer != s.address {
		return nil, fmt.Errorf("%w: remote signer signed as %s, expected %s", ErrInvalidSignature, signer.Hex(), s.address.Hex())
	}
	return result.Signature, nil
}
