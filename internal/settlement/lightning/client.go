package lightning

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-resty/resty/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/sony/gobreaker"
)

// Invoice states reported by LND.
const (
	InvoiceOpen     = "OPEN"
	InvoiceAccepted = "ACCEPTED"
	InvoiceSettled  = "SETTLED"
	InvoiceCanceled = "CANCELED"
)

// Payment states reported by the router.
const (
	PaymentInFlight  = "IN_FLIGHT"
	PaymentSucceeded = "SUCCEEDED"
	PaymentFailed    = "FAILED"
)

const macaroonHeader = "Grpc-Metadata-macaroon"

// Error is an error returned by the LND REST gateway.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("lnd: %s (code %d)", e.Message, e.Code)
}

// IsDuplicatePayment reports whether err means the invoice was already
// paid or is being paid by this node.
func IsDuplicatePayment(err error) bool {
	var lerr *Error
	if !errors.As(err, &lerr) {
		return false
	}
	msg := strings.ToLower(lerr.Message)
	return strings.Contains(msg, "already paid") || strings.Contains(msg, "in transition")
}

// NodeInfo is the subset of getinfo the adapter uses.
type NodeInfo struct {
	IdentityPubkey string `json:"identity_pubkey"`
	Alias          string `json:"alias"`
	SyncedToChain  bool   `json:"synced_to_chain"`
}

// Invoice is an LND invoice.
type Invoice struct {
	Memo           string `json:"memo,omitempty"`
	RHash          []byte `json:"r_hash,omitempty"`
	RPreimage      []byte `json:"r_preimage,omitempty"`
	Value          int64  `json:"value,string"`
	AmtPaidSat     int64  `json:"amt_paid_sat,string"`
	PaymentRequest string `json:"payment_request,omitempty"`
	State          string `json:"state"`
}

// PayReq is a decoded payment request.
type PayReq struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumSatoshis int64  `json:"num_satoshis,string"`
	Expiry      int64  `json:"expiry,string"`
	CLTVExpiry  int64  `json:"cltv_expiry,string"`
}

// Payment is a router payment update.
type Payment struct {
	PaymentHash     string `json:"payment_hash"`
	PaymentPreimage string `json:"payment_preimage"`
	ValueSat        int64  `json:"value_sat,string"`
	Status          string `json:"status"`
	FailureReason   string `json:"failure_reason"`
}

// HoldInvoiceRequest describes a hold invoice to add.
type HoldInvoiceRequest struct {
	Hash       lntypes.Hash
	Value      btcutil.Amount
	Memo       string
	CLTVExpiry uint64
	Expiry     time.Duration
}

// SendRequest describes a payment to send.
type SendRequest struct {
	PaymentRequest string
	Timeout        time.Duration
	FeeLimit       btcutil.Amount
}

// ClientConfig configures the REST connection to an LND node.
type ClientConfig struct {
	RESTURL      string
	MacaroonPath string
	TLSCertPath  string
	MaxRetries   int
	Timeout      time.Duration
}

// Client talks to LND over its REST gateway. Unary calls go through a
// circuit breaker; streaming calls do not.
type Client struct {
	http    *resty.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// Breaker trip thresholds.
var (
	MaxNumOfFailingRequests = 10
	FailingRatio            = 0.6
)

// NewClient creates a client from cfg. The macaroon file is read once.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RESTURL == "" {
		return nil, errors.New("lnd rest url is required")
	}
	h := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.RESTURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(200 * time.Millisecond)

	if cfg.MacaroonPath != "" {
		mac, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon: %w", err)
		}
		h.SetHeader(macaroonHeader, hex.EncodeToString(mac))
	}
	if cfg.TLSCertPath != "" {
		h.SetRootCertificate(cfg.TLSCertPath)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		http:    h,
		timeout: timeout,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "lnd",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return int(counts.Requests) > MaxNumOfFailingRequests && ratio >= FailingRatio
			},
		}),
	}, nil
}

// call performs a unary request through the breaker. Gateway errors that
// describe a rejected request do not count as failures.
func (c *Client) call(ctx context.Context, method, path string, body, result interface{}, query map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lerr *Error
	_, err := c.cb.Execute(func() (interface{}, error) {
		apiErr := &Error{}
		req := c.http.R().SetContext(ctx).SetError(apiErr)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		if query != nil {
			req.SetQueryParams(query)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			apiErr.Status = resp.StatusCode()
			if apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(resp.String())
			}
			if resp.StatusCode() >= http.StatusInternalServerError && apiErr.Code == 0 {
				return nil, apiErr
			}
			lerr = apiErr
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if lerr != nil {
		return lerr
	}
	return nil
}

// stream performs a streaming request and calls fn with the raw result of
// every message until fn returns false, the stream ends or ctx is done.
func (c *Client) stream(ctx context.Context, method, path string, body interface{}, fn func(json.RawMessage) (bool, error)) error {
	req := c.http.R().SetContext(ctx).SetDoNotParseResponse(true)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.IsError() {
		apiErr := &Error{Status: resp.StatusCode()}
		if err := json.NewDecoder(raw).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg struct {
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("malformed stream message: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if len(msg.Result) == 0 {
			continue
		}
		more, err := fn(msg.Result)
		if err != nil || !more {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

// GetInfo returns the node identity.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	if err := c.call(ctx, http.MethodGet, "/v1/getinfo", nil, &info, nil); err != nil {
		return nil, err
	}
	return &info, nil
}

// AddHoldInvoice adds an invoice that stays ACCEPTED until settled or
// cancelled, and returns its payment request.
func (c *Client) AddHoldInvoice(ctx context.Context, r HoldInvoiceRequest) (string, error) {
	body := map[string]interface{}{
		"hash":        r.Hash[:],
		"value":       fmt.Sprint(int64(r.Value)),
		"memo":        r.Memo,
		"cltv_expiry": fmt.Sprint(r.CLTVExpiry),
	}
	if r.Expiry > 0 {
		body["expiry"] = fmt.Sprint(int64(r.Expiry.Seconds()))
	}
	var resp struct {
		PaymentRequest string `json:"payment_request"`
	}
	if err := c.call(ctx, http.MethodPost, "/v2/invoices/hodl", body, &resp, nil); err != nil {
		return "", err
	}
	return resp.PaymentRequest, nil
}

// SettleInvoice settles the hold invoice of preimage's hash.
func (c *Client) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	body := map[string]interface{}{"preimage": preimage[:]}
	return c.call(ctx, http.MethodPost, "/v2/invoices/settle", body, nil, nil)
}

// CancelInvoice cancels an unsettled invoice.
func (c *Client) CancelInvoice(ctx context.Context, hash lntypes.Hash) error {
	body := map[string]interface{}{"payment_hash": hash[:]}
	return c.call(ctx, http.MethodPost, "/v2/invoices/cancel", body, nil, nil)
}

// LookupInvoice returns the invoice of hash.
func (c *Client) LookupInvoice(ctx context.Context, hash lntypes.Hash) (*Invoice, error) {
	var inv Invoice
	query := map[string]string{"payment_hash": base64.URLEncoding.EncodeToString(hash[:])}
	if err := c.call(ctx, http.MethodGet, "/v2/invoices/lookup", nil, &inv, query); err != nil {
		return nil, err
	}
	return &inv, nil
}

// DecodePayReq decodes a payment request.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (*PayReq, error) {
	var pr PayReq
	if err := c.call(ctx, http.MethodGet, "/v1/payreq/"+payReq, nil, &pr, nil); err != nil {
		return nil, err
	}
	return &pr, nil
}

// SubscribeInvoice streams state changes of the invoice of hash.
func (c *Client) SubscribeInvoice(ctx context.Context, hash lntypes.Hash, fn func(*Invoice) bool) error {
	path := "/v2/invoices/subscribe/" + base64.URLEncoding.EncodeToString(hash[:])
	return c.stream(ctx, http.MethodGet, path, nil, func(raw json.RawMessage) (bool, error) {
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return false, fmt.Errorf("malformed invoice update: %w", err)
		}
		return fn(&inv), nil
	})
}

// SendPayment pays a payment request and streams its progress.
func (c *Client) SendPayment(ctx context.Context, r SendRequest, fn func(*Payment) bool) error {
	body := map[string]interface{}{
		"payment_request": r.PaymentRequest,
		"timeout_seconds": int64(r.Timeout.Seconds()),
		"fee_limit_sat":   fmt.Sprint(int64(r.FeeLimit)),
	}
	return c.stream(ctx, http.MethodPost, "/v2/router/send", body, paymentUpdates(fn))
}

// TrackPayment streams the progress of an earlier payment of hash.
func (c *Client) TrackPayment(ctx context.Context, hash lntypes.Hash, fn func(*Payment) bool) error {
	path := "/v2/router/track/" + base64.URLEncoding.EncodeToString(hash[:])
	return c.stream(ctx, http.MethodGet, path, nil, paymentUpdates(fn))
}

func paymentUpdates(fn func(*Payment) bool) func(json.RawMessage) (bool, error) {
	return func(raw json.RawMessage) (bool, error) {
		var p Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			return false, fmt.Errorf("malformed payment update: %w", err)
		}
		return fn(&p), nil
	}
}
