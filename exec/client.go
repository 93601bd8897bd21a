package exec

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE CLIENT - Order placement against the CLOB
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two auth layers: the wallet key signs a derivation request once and the
// derived API credential (cached ~1h) signs every request after that with
// HMAC-SHA256 headers. The engine never sees HTTP; it talks to the Venue
// interface so tests can swap in a scripted venue.
//
// ═══════════════════════════════════════════════════════════════════════════════

const credTTL = time.Hour

// Order submission types
const (
	OrderGTC = "GTC" // Maker limit, rests on the book
	OrderFOK = "FOK" // Taker, fills entirely or dies
)

// Order lifecycle statuses as the venue reports them
const (
	StatusLive      = "live"
	StatusMatched   = "matched"
	StatusCancelled = "cancelled"
)

// OrderRequest is one order submission
type OrderRequest struct {
	TokenID string
	Side    string // "BUY"
	Price   decimal.Decimal
	Size    decimal.Decimal // Shares
	Type    string          // OrderGTC or OrderFOK
}

// OrderState is the venue's view of an order
type OrderState struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Filled decimal.Decimal `json:"size_matched"`
	Size   decimal.Decimal `json:"original_size"`
}

// Position is one outcome-token holding
type Position struct {
	TokenID  string          `json:"asset"`
	Size     decimal.Decimal `json:"size"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
}

// Venue is the execution engine's view of the exchange
type Venue interface {
	PlaceOrder(req OrderRequest) (string, error)
	CancelOrder(orderID string) error
	OrderStatus(orderID string) (*OrderState, error)
	Midpoint(tokenID string) (decimal.Decimal, error)
	Positions() ([]Position, error)
	Balance() (decimal.Decimal, error)
}

// derivedCreds is the L2 credential returned by the derivation endpoint
type derivedCreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Client implements Venue against the CLOB HTTP API
type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	funder     string
	sigType    int
	httpClient *http.Client

	credMu    sync.Mutex
	creds     *derivedCreds
	credsFrom time.Time
}

// NewClient creates the venue client from a wallet key
func NewClient(baseURL, privateKeyHex, funder string, sigType int) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		funder:     funder,
		sigType:    sigType,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if privateKeyHex != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	log.Info().
		Str("venue", c.baseURL).
		Str("address", c.address).
		Msg("🚀 Venue client initialized")

	return c, nil
}

// PlaceOrder signs and submits an order, returning the venue order id
func (c *Client) PlaceOrder(req OrderRequest) (string, error) {
	order := map[string]any{
		"tokenID":       req.TokenID,
		"price":         req.Price.String(),
		"size":          req.Size.String(),
		"side":          req.Side,
		"orderType":     req.Type,
		"feeRateBps":    "0",
		"nonce":         time.Now().UnixNano(),
		"expiration":    0,
		"maker":         c.funder,
		"signatureType": c.sigType,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	resp, err := c.post("/order", order)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("venue rejected order: %s", result.Error)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("type", req.Type).
		Str("price", req.Price.StringFixed(2)).
		Msg("📤 Order submitted")

	return result.OrderID, nil
}

// CancelOrder cancels a resting order
func (c *Client) CancelOrder(orderID string) error {
	_, err := c.delete("/order/" + orderID)
	return err
}

// OrderStatus fetches the venue's view of an order
func (c *Client) OrderStatus(orderID string) (*OrderState, error) {
	resp, err := c.get("/data/order/" + orderID)
	if err != nil {
		return nil, err
	}

	var state OrderState
	if err := json.Unmarshal(resp, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Midpoint returns the live mid price for an outcome token
func (c *Client) Midpoint(tokenID string) (decimal.Decimal, error) {
	resp, err := c.get("/midpoint?token_id=" + tokenID)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Mid string `json:"mid"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Mid)
}

// Positions returns current outcome-token holdings
func (c *Client) Positions() ([]Position, error) {
	resp, err := c.get("/data/positions")
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Balance returns the available USDC balance
func (c *Client) Balance() (decimal.Decimal, error) {
	resp, err := c.get("/balance-allowance?asset_type=COLLATERAL")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Balance)
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTH
// ═══════════════════════════════════════════════════════════════════════════════

// ensureCreds derives or reuses the L2 credential
func (c *Client) ensureCreds() (*derivedCreds, error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()

	if c.creds != nil && time.Since(c.credsFrom) < credTTL {
		return c.creds, nil
	}
	if c.privateKey == nil {
		return nil, fmt.Errorf("wallet key not loaded")
	}

	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	message := fmt.Sprintf("%s:%s", c.address, timestamp)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(message)), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign derivation request: %w", err)
	}

	req, err := http.NewRequest("GET", c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_NONCE", "0")
	req.Header.Set("POLY_SIGNATURE", hexutil.Encode(sig))

	body, err := c.doRequest(req)
	if err != nil {
		return nil, fmt.Errorf("derive credential: %w", err)
	}

	var creds derivedCreds
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}

	c.creds = &creds
	c.credsFrom = time.Now()
	log.Info().Msg("🔑 API credential derived")
	return c.creds, nil
}

// signOrder signs the order payload with the wallet key
func (c *Client) signOrder(order map[string]any) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("wallet key not loaded")
	}

	orderBytes, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(crypto.Keccak256(orderBytes), c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := c.addHeaders(req, nil); err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

func (c *Client) post(path string, body any) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.addHeaders(req, jsonBody); err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

func (c *Client) delete(path string) ([]byte, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := c.addHeaders(req, nil); err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

// addHeaders attaches the HMAC-signed L2 headers
func (c *Client) addHeaders(req *http.Request, body []byte) error {
	creds, err := c.ensureCreds()
	if err != nil {
		return err
	}

	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	message := timestamp + req.Method + req.URL.Path
	if body != nil {
		message += string(body)
	}

	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", creds.Passphrase)
	req.Header.Set("POLY_SIGNATURE", hmacSign(creds.Secret, message))
	return nil
}

// hmacSign produces the base64url HMAC-SHA256 request signature
func hmacSign(secret, message string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
