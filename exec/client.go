package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Handles order placement with the Polymarket CLOB API.
// Orders are keccak-hashed and signed with the wallet key (secp256k1);
// requests carry L2 HMAC-SHA256 headers derived from the API secret.
//
//   Execute    → GTC (rests on the book)
//   ExecuteFAK → FAK (fills what it can, kills the rest)
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketCLOB = "https://clob.polymarket.com"

	OrderTypeGTC = "GTC"
	OrderTypeFAK = "FAK"
)

var ErrNotFilled = errors.New("order not filled")

// Config holds credentials and endpoint
type Config struct {
	BaseURL       string
	PrivateKeyHex string
	APIKey        string
	APISecret     string
	Passphrase    string
	DryRun        bool
	HTTPClient    *http.Client
}

// ConfigFromEnv reads credentials from the environment
func ConfigFromEnv() Config {
	return Config{
		BaseURL:       PolymarketCLOB,
		PrivateKeyHex: os.Getenv("ETH_PRIVATE_KEY"),
		APIKey:        os.Getenv("POLY_API_KEY"),
		APISecret:     os.Getenv("POLY_API_SECRET"),
		Passphrase:    os.Getenv("POLY_PASSPHRASE"),
		DryRun:        os.Getenv("DRY_RUN") == "true",
	}
}

type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client

	now func() time.Time
}

var _ execution.LiveExecutor = (*Client)(nil)

// NewClient creates a new execution client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = PolymarketCLOB
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	client := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		dryRun:     cfg.DryRun,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	if !client.dryRun && client.privateKey == nil {
		return nil, errors.New("live client requires ETH_PRIVATE_KEY")
	}

	mode := "DRY RUN"
	if !client.dryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// Address returns the wallet address orders are signed with
func (c *Client) Address() string { return c.address }

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool { return c.dryRun }

// Execute places a good-til-cancelled limit order for the signal
func (c *Client) Execute(ctx context.Context, sig *strategy.Signal) (*execution.Fill, error) {
	return c.placeOrder(ctx, sig, OrderTypeGTC)
}

// ExecuteFAK places a fill-and-kill order for the signal
func (c *Client) ExecuteFAK(ctx context.Context, sig *strategy.Signal) (*execution.Fill, error) {
	return c.placeOrder(ctx, sig, OrderTypeFAK)
}

type orderResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	Error        string `json:"errorMsg"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

func (c *Client) placeOrder(ctx context.Context, sig *strategy.Signal, orderType string) (*execution.Fill, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signal: %w", err)
	}

	side := "BUY"
	if sig.Action == strategy.ActionSell {
		side = "SELL"
	}
	size := sig.AmountUSD.Div(sig.Price).Truncate(2)

	if c.dryRun {
		orderID := "DRY_" + uuid.NewString()
		log.Info().
			Str("order_id", orderID).
			Str("token", short(sig.InstrumentID)).
			Str("side", side).
			Str("type", orderType).
			Str("price", sig.Price.StringFixed(2)).
			Str("size", size.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return &execution.Fill{OrderID: orderID, FillPrice: sig.Price, FillAmountUSD: sig.AmountUSD}, nil
	}

	now := c.now()
	order := map[string]any{
		"tokenID":       sig.InstrumentID,
		"price":         sig.Price.String(),
		"size":          size.String(),
		"side":          side,
		"orderType":     orderType,
		"expiration":    now.Add(24 * time.Hour).Unix(),
		"nonce":         now.UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 0,
		"maker":         c.address,
		"clientOrderId": uuid.NewString(),
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	resp, err := c.post(ctx, "/order", order)
	if err != nil {
		return nil, err
	}

	var result orderResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("API error: %s", result.Error)
	}

	fill := fillFromResponse(sig, side, result)
	if orderType == OrderTypeFAK && !fill.FillAmountUSD.IsPositive() {
		return nil, fmt.Errorf("%w: %s status %s", ErrNotFilled, result.OrderID, result.Status)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("type", orderType).
		Str("fill", fill.FillPrice.StringFixed(4)).
		Str("usd", fill.FillAmountUSD.StringFixed(2)).
		Msg("✅ Order placed")

	return fill, nil
}

// fillFromResponse derives price and USD notional from the matched amounts.
// A BUY makes USDC and takes shares, a SELL the reverse.
func fillFromResponse(sig *strategy.Signal, side string, r orderResponse) *execution.Fill {
	making, _ := decimal.NewFromString(r.MakingAmount)
	taking, _ := decimal.NewFromString(r.TakingAmount)

	usd, shares := making, taking
	if side == "SELL" {
		usd, shares = taking, making
	}

	fill := &execution.Fill{OrderID: r.OrderID, FillPrice: sig.Price, FillAmountUSD: usd}
	if usd.IsPositive() && shares.IsPositive() {
		fill.FillPrice = usd.Div(shares).Round(4)
	}
	// Resting GTC orders report no match yet
	if r.MakingAmount == "" && r.TakingAmount == "" && r.Status != "unmatched" {
		fill.FillAmountUSD = sig.AmountUSD
	}
	return fill
}

// CancelOrder cancels an existing order
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: Order would be cancelled")
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, "/order/"+orderID, nil)
	return err
}

// GetBalance returns current USDC balance
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(100), nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/balance", nil)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return balance, nil
}

// GetOpenOrders returns all open orders
func (c *Client) GetOpenOrders(ctx context.Context) ([]Order, error) {
	resp, err := c.do(ctx, http.MethodGet, "/orders?status=live", nil)
	if err != nil {
		return nil, err
	}

	var orders []Order
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Order represents an order from the API
type Order struct {
	ID        string          `json:"id"`
	TokenID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"original_size"`
	Filled    decimal.Decimal `json:"size_matched"`
	Side      string          `json:"side"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, jsonBody)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *Client) addHeaders(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(timestamp+req.Method+req.URL.Path+string(body)))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(order map[string]any) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// hmacSign signs with the base64url-decoded API secret
func (c *Client) hmacSign(message string) string {
	key, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		key = []byte(c.apiSecret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func short(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
