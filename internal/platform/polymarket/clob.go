package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/polymirror/mirrorbot/internal/crypto"
	"github.com/polymirror/mirrorbot/internal/domain"
)

// HTTPError is a non-2xx CLOB response that did not map to a domain error.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying with the same
// client order id.
func (e *HTTPError) Transient() bool {
	return e.Status >= 500
}

// OrderArgs describes one marketable limit order to place. PriceMicros is
// the limit price in micro-USD per share (already slippage-adjusted by the
// caller); NotionalMicros is the total micro-USD to spend or receive.
type OrderArgs struct {
	ClientOrderID  string
	TokenID        string
	Side           domain.Side
	PriceMicros    int64
	NotionalMicros int64
	FeeRateBps     int
}

// ClobClient is the REST client for the Polymarket CLOB API. It signs orders
// with EIP-712 and authenticates requests with HMAC L2 headers.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	creds      *crypto.APICreds
	sigType    int
	funder     string
}

// NewClobClient creates a CLOB client. creds may be nil until DeriveAPIKey
// has run. funder is the address holding the collateral; for an EOA wallet
// it equals the signer address.
func NewClobClient(baseURL string, signer *crypto.Signer, creds *crypto.APICreds, sigType int, funder string) *ClobClient {
	if funder == "" && signer != nil {
		funder = signer.Address().Hex()
	}
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		creds:      creds,
		sigType:    sigType,
		funder:     funder,
	}
}

// PostOrder signs and submits one order, carrying the client order id so a
// resubmission after an ambiguous failure cannot double-place.
func (c *ClobClient) PostOrder(ctx context.Context, args OrderArgs) (APIOrderAck, error) {
	payload, err := c.buildPayload(args)
	if err != nil {
		return APIOrderAck{}, err
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return APIOrderAck{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          sideName(args.Side),
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":         c.funder,
		"orderType":     "FAK",
		"clientOrderId": args.ClientOrderID,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return APIOrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var ack APIOrderAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return APIOrderAck{}, fmt.Errorf("polymarket/clob: decode order ack: %w", err)
	}
	return ack, nil
}

// CancelOrder cancels a single order by its venue order id.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// CancelAll cancels every open order for the authenticated wallet. Used by
// the operator API behind the kill switch.
func (c *ClobClient) CancelAll(ctx context.Context) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel-all response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel-all failed: %s", result.ErrorMsg)
	}
	return nil
}

// DeriveAPIKey runs the CLOB auth flow: sign a ClobAuth message, send it
// with L1 headers, and store the returned HMAC credentials on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.creds = &crypto.APICreds{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// Creds returns the HMAC credentials, nil before DeriveAPIKey.
func (c *ClobClient) Creds() *crypto.APICreds { return c.creds }

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildPayload converts OrderArgs into the signed EIP-712 struct. Micro-USD
// maps one-to-one onto USDC base units (both 6 decimals), so maker/taker
// amounts are exact integer arithmetic.
func (c *ClobClient) buildPayload(args OrderArgs) (crypto.OrderPayload, error) {
	if args.PriceMicros <= 0 || args.NotionalMicros <= 0 {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: non-positive price or notional")
	}

	// shares (6 decimals) = notional / price
	shares := new(big.Int).Div(
		new(big.Int).Mul(big.NewInt(args.NotionalMicros), big.NewInt(1_000_000)),
		big.NewInt(args.PriceMicros),
	)
	usdc := big.NewInt(args.NotionalMicros)

	var makerAmt, takerAmt *big.Int
	var side int
	if args.Side == domain.SideSell {
		side = 1
		makerAmt, takerAmt = shares, usdc
	} else {
		side = 0
		makerAmt, takerAmt = usdc, shares
	}

	address := c.signer.Address().Hex()
	return crypto.OrderPayload{
		Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:         c.funder,
		Signer:        address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       args.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(args.FeeRateBps),
		Side:          side,
		SignatureType: c.sigType,
	}, nil
}

func sideName(s domain.Side) string {
	if s == domain.SideSell {
		return "SELL"
	}
	return "BUY"
}

// doAuthenticatedRequest builds, HMAC-signs, sends, and reads one request
// against the CLOB API, returning the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.creds != nil {
		address := c.signer.Address().Hex()
		for k, v := range c.creds.L2Headers(address, method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors where one fits,
// otherwise to *HTTPError.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return &HTTPError{Status: statusCode, Body: bodyStr}
	}
}
