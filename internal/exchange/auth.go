// auth.go implements request signing for both venues.
//
// Polymarket uses a two-level scheme: L1 is an EIP-712 signature from the
// wallet key (used once to derive API credentials), L2 is an HMAC over
// timestamp+method+path+body with those credentials (used on every trading
// request). Kalshi signs every request, websocket handshakes included, with
// an HMAC-SHA256 over timestamp+method+path using the API secret.
package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"prediction-arb/pkg/types"
)

// clobAuthMessage is the fixed attestation string the CLOB expects inside
// the EIP-712 ClobAuth payload.
const clobAuthMessage = "This message attests that I control the given wallet"

// Credentials are the L2 API credentials issued by the CLOB.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth holds the Polymarket signing state: the wallet key for L1 and the
// derived credentials for L2.
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       types.SignatureType
	creds         *Credentials
}

// NewAuth parses the wallet private key (with or without 0x prefix) and
// prepares the signer. funder may be empty for EOA signing; it defaults to
// the key's own address.
func NewAuth(privateKeyHex string, chainID int, sigType int, funder string) (*Auth, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funderAddr := address
	if funder != "" {
		funderAddr = common.HexToAddress(funder)
	}

	return &Auth{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funderAddr,
		chainID:       big.NewInt(int64(chainID)),
		sigType:       types.SignatureType(sigType),
	}, nil
}

// SetCredentials installs L2 credentials (from config or DeriveAPIKey).
func (a *Auth) SetCredentials(c *Credentials) { a.creds = c }

// HasCredentials reports whether L2 credentials are available.
func (a *Auth) HasCredentials() bool { return a.creds != nil && a.creds.APIKey != "" }

// Address returns the signing wallet address.
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the address that funds orders (the maker).
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

// SignatureType returns the configured CTF exchange signing scheme.
func (a *Auth) SignatureType() types.SignatureType { return a.sigType }

// L1Headers signs an EIP-712 ClobAuth payload with the wallet key. Used for
// credential derivation endpoints.
func (a *Auth) L1Headers(nonce int64) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}, nil
}

// L2Headers signs one API request with the derived credentials.
func (a *Auth) L2Headers(method, path string, body []byte) (map[string]string, error) {
	if !a.HasCredentials() {
		return nil, fmt.Errorf("L2 credentials not set (derive them or configure the API key triple)")
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}
	sig, err := buildHMAC(a.creds.Secret, message)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.APIKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// signClobAuth builds and signs the ClobAuth EIP-712 typed data payload.
func (a *Auth) signClobAuth(timestamp string, nonce int64) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(a.chainID.Int64()),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     math.NewHexOrDecimal256(nonce),
			"message":   clobAuthMessage,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign clob auth: %w", err)
	}
	// Ethereum convention: V must be 27 or 28.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// buildHMAC computes the L2 signature. API secrets come back from the CLOB
// in varying base64 flavors, so try each decoder before giving up.
func buildHMAC(secret, message string) (string, error) {
	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawURLEncoding,
		base64.RawStdEncoding,
	} {
		key, err = enc.DecodeString(secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// ————————————————————————————————————————————————————————————————————————
// Kalshi request signing
// ————————————————————————————————————————————————————————————————————————

// KalshiSigner signs Kalshi requests. The same headers authenticate REST
// calls and the websocket handshake; only the method+path under signature
// differ.
type KalshiSigner struct {
	keyID  string
	secret string
}

// NewKalshiSigner builds a signer from the API key id and secret.
func NewKalshiSigner(keyID, secret string) *KalshiSigner {
	return &KalshiSigner{keyID: keyID, secret: secret}
}

// Headers returns the three KALSHI-ACCESS-* headers for one request.
func (s *KalshiSigner) Headers(method, path string) http.Header {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.keyID)
	h.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	h.Set("KALSHI-ACCESS-SIGNATURE", s.Sign(timestamp, method, path))
	return h
}

// Sign computes base64(HMAC-SHA256(secret, timestamp+method+path)).
func (s *KalshiSigner) Sign(timestamp, method, path string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(timestamp + method + path))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ————————————————————————————————————————————————————————————————————————
// CTF exchange order signing
// ————————————————————————————————————————————————————————————————————————

// ctfExchangeAddress is the Polymarket CTF exchange contract on Polygon.
// Order signatures are EIP-712 typed data bound to this verifying contract.
const ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// SignOrder computes the EIP-712 signature over a fully-populated order and
// writes it into order.Signature. Numeric message fields go in as decimal
// strings, matching what the exchange hashes on-chain.
func (a *Auth) SignOrder(order *types.SignedOrder) error {
	side := "0" // BUY
	if order.Side == types.SELL {
		side = "1"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(a.chainID.Int64()),
			VerifyingContract: ctfExchangeAddress,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          side,
			"signatureType": strconv.Itoa(int(order.SignatureType)),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return fmt.Errorf("hash order: %w", err)
	}
	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	order.Signature = "0x" + common.Bytes2Hex(sig)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Order amount math
// ————————————————————————————————————————————————————————————————————————

// PriceToAmounts converts a price and token size into the 6-decimal USDC
// maker/taker amounts the CTF exchange contract expects. Size truncates to
// 2 decimals and the USDC leg to the market's amount precision, so the
// order never claims more than the wallet holds.
//
// For BUY:  maker gives USDC (price*size), receives tokens (size)
// For SELL: maker gives tokens (size), receives USDC (price*size)
func PriceToAmounts(price, size float64, side types.Side, tick types.TickSize) (maker, taker *big.Int) {
	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(size).Truncate(2)

	usdcAmount := p.Mul(s).Truncate(int32(tick.AmountDecimals())).Shift(6).BigInt()
	tokenAmount := s.Shift(6).BigInt()

	if side == types.BUY {
		return usdcAmount, tokenAmount
	}
	return tokenAmount, usdcAmount
}
