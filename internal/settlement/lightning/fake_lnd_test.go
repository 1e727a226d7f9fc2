package lightning

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

// fakeNetwork is a Lightning network of hold invoices shared by fake nodes.
type fakeNetwork struct {
	mu       sync.Mutex
	invoices map[lntypes.Hash]*fakeInvoice
	payreqs  map[string]lntypes.Hash
	payments int
}

type fakeInvoice struct {
	payee    string
	value    int64
	paid     int64
	cltv     uint64
	state    string
	preimage []byte
	payreq   string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		invoices: make(map[lntypes.Hash]*fakeInvoice),
		payreqs:  make(map[string]lntypes.Hash),
	}
}

func (n *fakeNetwork) invoice(hash lntypes.Hash) (fakeInvoice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inv, ok := n.invoices[hash]
	if !ok {
		return fakeInvoice{}, false
	}
	return *inv, true
}

func (n *fakeNetwork) paymentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.payments
}

func (n *fakeNetwork) lnInvoice(hash lntypes.Hash) (*Invoice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inv, ok := n.invoices[hash]
	if !ok {
		return nil, false
	}
	return &Invoice{
		RHash:          hash[:],
		RPreimage:      inv.preimage,
		Value:          inv.value,
		AmtPaidSat:     inv.paid,
		PaymentRequest: inv.payreq,
		State:          inv.state,
	}, true
}

// waitState blocks until the invoice leaves state from or r is done.
func (n *fakeNetwork) waitState(r *http.Request, hash lntypes.Hash, from string) (*Invoice, bool) {
	for {
		inv, ok := n.lnInvoice(hash)
		if !ok {
			return nil, false
		}
		if inv.State != from {
			return inv, true
		}
		select {
		case <-r.Context().Done():
			return nil, false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

const testMacaroon = "0201036c6e64"

func writeMacaroon(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hashswap-lnd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	mac, _ := hex.DecodeString(testMacaroon)
	path := filepath.Join(dir, "admin.macaroon")
	if err := os.WriteFile(path, mac, 0600); err != nil {
		t.Fatalf("failed to write macaroon: %v", err)
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeLNDError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]interface{}{"code": code, "message": msg})
}

func writeStream(w http.ResponseWriter, key string, v interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{key: v})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func pathHash(r *http.Request, name string) (lntypes.Hash, error) {
	b, err := base64.URLEncoding.DecodeString(r.PathValue(name))
	if err != nil {
		return lntypes.Hash{}, err
	}
	return lntypes.MakeHash(b)
}

// newFakeNode serves the LND REST endpoints the adapter uses for the node
// identified by pubkey.
func newFakeNode(t *testing.T, n *fakeNetwork, pubkey string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/getinfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, NodeInfo{IdentityPubkey: pubkey, Alias: "fake-" + pubkey[:6], SyncedToChain: true})
	})

	mux.HandleFunc("POST /v2/invoices/hodl", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hash       []byte `json:"hash"`
			Value      string `json:"value"`
			CLTVExpiry string `json:"cltv_expiry"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeLNDError(w, http.StatusBadRequest, 3, err.Error())
			return
		}
		hash, err := lntypes.MakeHash(req.Hash)
		if err != nil {
			writeLNDError(w, http.StatusBadRequest, 3, err.Error())
			return
		}
		value, _ := strconv.ParseInt(req.Value, 10, 64)
		cltv, _ := strconv.ParseUint(req.CLTVExpiry, 10, 64)

		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.invoices[hash]; ok {
			writeLNDError(w, http.StatusInternalServerError, 2, "invoice with payment hash already exists")
			return
		}
		payreq := fmt.Sprintf("lnbcrt%d%s", value, hash.String()[:16])
		n.invoices[hash] = &fakeInvoice{payee: pubkey, value: value, cltv: cltv, state: InvoiceOpen, payreq: payreq}
		n.payreqs[payreq] = hash
		writeJSON(w, http.StatusOK, map[string]string{"payment_request": payreq})
	})

	mux.HandleFunc("POST /v2/invoices/settle", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Preimage []byte `json:"preimage"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		hash := lntypes.Hash(sha256.Sum256(req.Preimage))

		n.mu.Lock()
		defer n.mu.Unlock()
		inv, ok := n.invoices[hash]
		switch {
		case !ok || inv.payee != pubkey:
			writeLNDError(w, http.StatusNotFound, 5, "unable to locate invoice")
		case inv.state != InvoiceAccepted:
			writeLNDError(w, http.StatusInternalServerError, 2, "invoice still open")
		default:
			inv.state = InvoiceSettled
			inv.preimage = req.Preimage
			writeJSON(w, http.StatusOK, struct{}{})
		}
	})

	mux.HandleFunc("POST /v2/invoices/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PaymentHash []byte `json:"payment_hash"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		hash, _ := lntypes.MakeHash(req.PaymentHash)

		n.mu.Lock()
		defer n.mu.Unlock()
		inv, ok := n.invoices[hash]
		switch {
		case !ok:
			writeLNDError(w, http.StatusNotFound, 5, "unable to locate invoice")
		case inv.state == InvoiceSettled:
			writeLNDError(w, http.StatusInternalServerError, 2, "invoice already settled")
		default:
			inv.state = InvoiceCanceled
			writeJSON(w, http.StatusOK, struct{}{})
		}
	})

	mux.HandleFunc("GET /v2/invoices/lookup", func(w http.ResponseWriter, r *http.Request) {
		b, err := base64.URLEncoding.DecodeString(r.URL.Query().Get("payment_hash"))
		if err != nil {
			writeLNDError(w, http.StatusBadRequest, 3, err.Error())
			return
		}
		hash, _ := lntypes.MakeHash(b)
		inv, ok := n.lnInvoice(hash)
		if !ok {
			writeLNDError(w, http.StatusNotFound, 5, "unable to locate invoice")
			return
		}
		writeJSON(w, http.StatusOK, inv)
	})

	mux.HandleFunc("GET /v1/payreq/{req}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		hash, ok := n.payreqs[r.PathValue("req")]
		var inv fakeInvoice
		if ok {
			inv = *n.invoices[hash]
		}
		n.mu.Unlock()
		if !ok {
			writeLNDError(w, http.StatusInternalServerError, 2, "invalid payment request")
			return
		}
		writeJSON(w, http.StatusOK, PayReq{
			Destination: inv.payee,
			PaymentHash: hash.String(),
			NumSatoshis: inv.value,
			Expiry:      3600,
			CLTVExpiry:  int64(inv.cltv),
		})
	})

	mux.HandleFunc("GET /v2/invoices/subscribe/{hash}", func(w http.ResponseWriter, r *http.Request) {
		hash, err := pathHash(r, "hash")
		if err != nil {
			writeLNDError(w, http.StatusBadRequest, 3, err.Error())
			return
		}
		inv, ok := n.lnInvoice(hash)
		if !ok {
			writeLNDError(w, http.StatusNotFound, 5, "unable to locate invoice")
			return
		}
		w.WriteHeader(http.StatusOK)
		writeStream(w, "result", inv)
		for inv.State != InvoiceSettled && inv.State != InvoiceCanceled {
			if inv, ok = n.waitState(r, hash, inv.State); !ok {
				return
			}
			writeStream(w, "result", inv)
		}
	})

	follow := func(w http.ResponseWriter, r *http.Request, hash lntypes.Hash) {
		inv, ok := n.lnInvoice(hash)
		for ok {
			switch inv.State {
			case InvoiceAccepted:
				writeStream(w, "result", Payment{PaymentHash: hash.String(), ValueSat: inv.Value, Status: PaymentInFlight})
			case InvoiceSettled:
				writeStream(w, "result", Payment{PaymentHash: hash.String(), ValueSat: inv.Value, Status: PaymentSucceeded, PaymentPreimage: hex.EncodeToString(inv.RPreimage)})
				return
			case InvoiceCanceled:
				writeStream(w, "result", Payment{PaymentHash: hash.String(), Status: PaymentFailed, FailureReason: "FAILURE_REASON_INCORRECT_PAYMENT_DETAILS"})
				return
			}
			inv, ok = n.waitState(r, hash, inv.State)
		}
	}

	mux.HandleFunc("POST /v2/router/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PaymentRequest string `json:"payment_request"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		n.mu.Lock()
		hash, ok := n.payreqs[req.PaymentRequest]
		var state string
		if ok {
			inv := n.invoices[hash]
			state = inv.state
			if state == InvoiceOpen {
				inv.state = InvoiceAccepted
				inv.paid = inv.value
				n.payments++
			}
		}
		n.mu.Unlock()

		w.WriteHeader(http.StatusOK)
		switch {
		case !ok:
			writeStream(w, "error", Error{Code: 2, Message: "invalid payment request"})
			return
		case state == InvoiceAccepted:
			writeStream(w, "error", Error{Code: 6, Message: "payment is in transition"})
			return
		case state != InvoiceOpen:
			writeStream(w, "error", Error{Code: 6, Message: "invoice is already paid"})
			return
		}
		follow(w, r, hash)
	})

	mux.HandleFunc("GET /v2/router/track/{hash}", func(w http.ResponseWriter, r *http.Request) {
		hash, err := pathHash(r, "hash")
		if err != nil {
			writeLNDError(w, http.StatusBadRequest, 3, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		follow(w, r, hash)
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(macaroonHeader) != testMacaroon {
			writeLNDError(w, http.StatusUnauthorized, 16, "expected 1 macaroon, got 0")
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}
