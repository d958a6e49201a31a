package routes

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/agustin125/securitize-smart-contracts/native/bank"
	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/observability/logging"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type marketRoutes struct {
	engine  *market.Engine
	vault   *bank.Vault
	logger  *slog.Logger
	timeout time.Duration
}

type listingRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature,omitempty"`
	Signer    string `json:"signer,omitempty"`
}

type purchaseRequest struct {
	Payment string `json:"payment"`
}

type listingResponse struct {
	ID       uint64 `json:"id"`
	Seller   string `json:"seller"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Price    string `json:"price"`
	Consumed bool   `json:"consumed"`
	Status   string `json:"status"`
}

type domainResponse struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Separator         string `json:"separator"`
}

func listingView(l *market.Listing) listingResponse {
	return listingResponse{
		ID:       l.ID,
		Seller:   ethcommon.Address(l.Seller).Hex(),
		Asset:    ethcommon.Address(l.Asset).Hex(),
		Amount:   l.Amount.Dec(),
		Price:    l.Price.Dec(),
		Consumed: l.Consumed,
		Status:   l.Status().String(),
	}
}

func (mr *marketRoutes) mount(r chi.Router) {
	r.Get("/domain", mr.getDomain)
	r.Post("/listings", mr.createListing)
	r.Get("/listings", mr.listListings)
	r.Get("/listings/{id}", mr.getListing)
	r.Post("/listings/{id}/purchase", mr.purchase)
	r.Post("/withdrawals", mr.withdraw)
	r.Get("/accounts/{addr}", mr.getAccount)
	r.Get("/custody", mr.getCustody)
}

func (mr *marketRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := mr.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

func (mr *marketRoutes) getDomain(w http.ResponseWriter, r *http.Request) {
	domain := mr.engine.Domain()
	sep, err := domain.Separator()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domainResponse{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           domain.ChainID,
		VerifyingContract: ethcommon.Address(domain.VerifyingContract).Hex(),
		Separator:         hexutil.Encode(sep),
	})
}

func (mr *marketRoutes) createListing(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}
	var body listingRequest
	if err := decodeRequest(w, r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	req := market.ListRequest{Caller: caller, Nonce: body.Nonce}
	if req.Asset, err = parseAccount("asset", body.Asset); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Amount, err = parseAmount("amount", body.Amount); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Price, err = parseAmount("price", body.Price); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Signer, err = parseOptionalAccount("signer", body.Signer); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Signature, err = parseSignature(body.Signature); err != nil {
		writeBadRequest(w, err)
		return
	}

	ctx, cancel := mr.context(r.Context())
	defer cancel()
	id, err := mr.engine.ListItem(ctx, req)
	if err != nil {
		mr.logger.Warn("listing rejected",
			"outcome", market.OutcomeLabel(err),
			"error", err,
			logging.MaskField("signature", body.Signature),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (mr *marketRoutes) getListing(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	l, err := mr.engine.Listing(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingView(l))
}

func (mr *marketRoutes) listListings(w http.ResponseWriter, r *http.Request) {
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	limit, err := queryUint(r, "limit", defaultPageSize)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	listings, err := mr.engine.Listings(offset, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		out = append(out, listingView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

func (mr *marketRoutes) purchase(w http.ResponseWriter, r *http.Request) {
	buyer, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}
	id, err := listingID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var body purchaseRequest
	if err := decodeRequest(w, r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	payment, err := parseAmount("payment", body.Payment)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	ctx, cancel := mr.context(r.Context())
	defer cancel()
	err = mr.vault.Pay(ctx, buyer, payment, func(ctx context.Context) error {
		return mr.engine.PurchaseItem(ctx, buyer, id, payment)
	})
	if err != nil {
		mr.logger.Warn("purchase rejected", "listing", id, "outcome", market.OutcomeLabel(err), "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": market.ListingConsumed.String()})
}

func (mr *marketRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}
	ctx, cancel := mr.context(r.Context())
	defer cancel()
	released, err := mr.engine.WithdrawFunds(ctx, caller)
	if err != nil {
		mr.logger.Warn("withdrawal failed",
			"seller", ethcommon.Address(caller).Hex(),
			"outcome", market.OutcomeLabel(err),
			"retryable", market.IsRetryable(err),
			"error", err,
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": released.Dec()})
}

func (mr *marketRoutes) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount("address", chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	earnings, err := mr.engine.Earnings(account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	nonce, err := mr.engine.Nonce(account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":  ethcommon.Address(account).Hex(),
		"earnings": earnings.Dec(),
		"nonce":    strconv.FormatUint(nonce, 10),
	})
}

func (mr *marketRoutes) getCustody(w http.ResponseWriter, r *http.Request) {
	custody, err := mr.engine.Custody()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	solvencyErr := mr.engine.CheckSolvency()
	writeJSON(w, http.StatusOK, map[string]any{
		"custody": custody.Dec(),
		"solvent": solvencyErr == nil,
	})
}
