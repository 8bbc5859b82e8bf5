package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
	"cashucloak/internal/remote"
)

// ErrMalformedResponse is returned when the wallet answered 2xx but the body
// lacks the field the operation needs.
var ErrMalformedResponse = errors.New("malformed wallet response")

// DefaultTimeout bounds a single wallet request.
const DefaultTimeout = 30 * time.Second

// HTTPConfig configures the HTTP wallet client.
type HTTPConfig struct {
	// URL is the base URL of the wallet API, e.g. http://127.0.0.1:4448.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests when HTTPClient is nil (optional).
	Timeout time.Duration

	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the limiter burst size, defaulting to 1.
	Burst int

	// Clock stamps balance snapshots (optional).
	Clock clock.Clock
}

// HTTPClient talks to the wallet REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	clock      clock.Clock

	// balances collapses concurrent GET /balance calls made by parallel
	// poll sessions into one request.
	balances singleflight.Group
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a wallet client from cfg.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("wallet url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse wallet url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		limiter:    limiter,
		clock:      clk,
	}, nil
}

type balanceResponse struct {
	Mints map[string]struct {
		Available int64 `json:"available"`
		Balance   int64 `json:"balance"`
	} `json:"mints"`
}

// Balance fetches GET /balance. Concurrent callers share one request, which
// is detached from any single caller's cancellation; each caller still
// stops waiting when its own ctx ends.
func (c *HTTPClient) Balance(ctx context.Context) (balance.Snapshot, error) {
	ch := c.balances.DoChan("balance", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), c.timeout,
		)
		defer cancel()

		return c.fetchBalance(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return balance.Snapshot{}, res.Err
		}
		if res.Shared {
			log.Tracef("Shared in-flight balance request")
		}
		return res.Val.(balance.Snapshot), nil

	case <-ctx.Done():
		return balance.Snapshot{}, &remote.TransportError{
			Op:  "balance",
			Err: ctx.Err(),
		}
	}
}

func (c *HTTPClient) fetchBalance(ctx context.Context) (balance.Snapshot, error) {
	var resp balanceResponse
	if err := c.do(ctx, "balance", http.MethodGet, "/balance", nil, nil, &resp); err != nil {
		return balance.Snapshot{}, err
	}

	mints := make(map[balance.MintID]balance.MintBalance, len(resp.Mints))
	for id, m := range resp.Mints {
		total := m.Balance
		if total < m.Available {
			// Some wallet versions omit the total.
			total = m.Available
		}
		mints[balance.NormalizeMint(id)] = balance.MintBalance{
			Available: m.Available,
			Total:     total,
		}
	}

	snap, err := balance.NewSnapshot(c.clock.Now(), mints)
	if err != nil {
		return balance.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return snap, nil
}

// CreateInvoice calls POST /lightning/create_invoice.
func (c *HTTPClient) CreateInvoice(ctx context.Context, amount int64,
	mint balance.MintID) (credential.Credential, error) {

	q := url.Values{}
	q.Set("amount", strconv.FormatInt(amount, 10))
	if mint != "" {
		q.Set("mint", mint.String())
	}

	var raw map[string]json.RawMessage
	if err := c.do(ctx, "create invoice", http.MethodPost,
		"/lightning/create_invoice", q, nil, &raw); err != nil {

		return credential.Credential{}, err
	}

	pr := invoiceFromResponse(raw)
	if pr == "" {
		return credential.Credential{}, fmt.Errorf("%w: no payment "+
			"request in create_invoice response", ErrMalformedResponse)
	}

	return credential.NewInvoice(pr), nil
}

// invoiceFromResponse accepts the shapes wallets have used for the invoice:
// a top-level payment_request, a bare invoice string, or an invoice object
// carrying bolt11/payment_request/pr.
func invoiceFromResponse(raw map[string]json.RawMessage) string {
	var s string
	for _, key := range []string{"payment_request", "bolt11", "pr"} {
		if v, ok := raw[key]; ok && json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}

	v, ok := raw["invoice"]
	if !ok {
		return ""
	}
	if json.Unmarshal(v, &s) == nil {
		return s
	}

	var nested map[string]json.RawMessage
	if json.Unmarshal(v, &nested) == nil {
		return invoiceFromResponse(nested)
	}
	return ""
}

// CheckState calls GET /lightning/invoice_state.
func (c *HTTPClient) CheckState(ctx context.Context,
	invoice credential.Credential, mint balance.MintID) (string, error) {

	q := url.Values{}
	q.Set("payment_request", invoice.String())
	if mint != "" {
		q.Set("mint", mint.String())
	}

	var resp struct {
		Result string `json:"result"`
		State  string `json:"state"`
	}
	if err := c.do(ctx, "invoice state", http.MethodGet,
		"/lightning/invoice_state", q, nil, &resp); err != nil {

		return "", err
	}

	if resp.Result != "" {
		return resp.Result, nil
	}
	return resp.State, nil
}

// Send calls POST /send and returns the issued token.
func (c *HTTPClient) Send(ctx context.Context, amount int64,
	mint balance.MintID) (credential.Credential, error) {

	q := url.Values{}
	q.Set("amount", strconv.FormatInt(amount, 10))
	if mint != "" {
		q.Set("mint", mint.String())
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "send", http.MethodPost, "/send", q, nil, &resp); err != nil {
		return credential.Credential{}, err
	}
	if resp.Token == "" {
		return credential.Credential{}, fmt.Errorf("%w: no token in "+
			"send response", ErrMalformedResponse)
	}

	return credential.NewToken(resp.Token), nil
}

// Redeem calls POST /receive.
func (c *HTTPClient) Redeem(ctx context.Context,
	token credential.Credential) (RedeemReceipt, error) {

	q := url.Values{}
	q.Set("token", token.String())

	var resp struct {
		Amount         *int64 `json:"amount"`
		InitialBalance *int64 `json:"initial_balance"`
		Balance        *int64 `json:"balance"`
		Mint           string `json:"mint"`
	}
	if err := c.do(ctx, "receive", http.MethodPost, "/receive", q, nil, &resp); err != nil {
		return RedeemReceipt{}, err
	}

	receipt := RedeemReceipt{Mint: balance.NormalizeMint(resp.Mint)}
	switch {
	case resp.Amount != nil:
		receipt.Amount = *resp.Amount
	case resp.Balance != nil && resp.InitialBalance != nil:
		receipt.Amount = *resp.Balance - *resp.InitialBalance
	}
	return receipt, nil
}

// PayInvoice requests a melt quote and then executes the melt.
func (c *HTTPClient) PayInvoice(ctx context.Context,
	invoice credential.Credential) (PayReceipt, error) {

	var quote struct {
		Quote string `json:"quote"`
	}
	quoteReq := map[string]string{
		"request": invoice.String(),
		"unit":    "sat",
	}
	if err := c.do(ctx, "melt quote", http.MethodPost,
		"/v1/melt/quote/bolt11", nil, quoteReq, &quote); err != nil {

		return PayReceipt{}, err
	}
	if quote.Quote == "" {
		return PayReceipt{}, fmt.Errorf("%w: no quote id in melt "+
			"quote response", ErrMalformedResponse)
	}

	var melt struct {
		State    string `json:"state"`
		Preimage string `json:"payment_preimage"`
	}
	meltReq := map[string]interface{}{
		"quote":   quote.Quote,
		"inputs":  []interface{}{},
		"outputs": []interface{}{},
	}
	if err := c.do(ctx, "melt", http.MethodPost, "/v1/melt/bolt11",
		nil, meltReq, &melt); err != nil {

		return PayReceipt{}, err
	}

	return PayReceipt{
		State:    PayState(strings.ToLower(melt.State)),
		Quote:    quote.Quote,
		Preimage: melt.Preimage,
	}, nil
}

// Ping checks the wallet answers a balance request.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.fetchBalance(ctx)
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string,
	query url.Values, body interface{}, out interface{}) error {

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &remote.TransportError{Op: op, Err: err}
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &remote.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &remote.TransportError{
			Op:  op,
			Err: fmt.Errorf("read response body: %w", err),
		}
	}

	log.Debugf("%s %s -> %d (%v)", method, path, resp.StatusCode,
		c.clock.Now().Sub(start))

	if err := remote.CheckStatus(op, resp.StatusCode, respBody); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}
