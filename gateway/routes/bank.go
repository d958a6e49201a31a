package routes

import (
	"net/http"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/agustin125/securitize-smart-contracts/native/bank"
)

type bankRoutes struct {
	tokens *bank.TokenLedger
	vault  *bank.Vault
	engine [20]byte
	faucet bool
}

type approvalRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type mintRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type depositRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (br *bankRoutes) mount(r chi.Router) {
	r.Post("/approvals", br.approve)
	r.Get("/balances/{addr}", br.balances)
	if br.faucet {
		r.Post("/faucet/mint", br.mint)
		r.Post("/faucet/deposit", br.deposit)
	}
}

// approve lets the marketplace engine pull the caller's asset at purchase time.
func (br *bankRoutes) approve(w http.ResponseWriter, r *http.Request) {
	owner, err := callerFrom(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}
	var body approvalRequest
	if err := decodeRequest(w, r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	asset, err := parseAccount("asset", body.Asset)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := br.tokens.Approve(asset, owner, br.engine, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   ethcommon.Address(owner).Hex(),
		"spender": ethcommon.Address(br.engine).Hex(),
		"asset":   ethcommon.Address(asset).Hex(),
		"amount":  amount.Dec(),
	})
}

func (br *bankRoutes) balances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount("address", chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	settlement, err := br.vault.Balance(account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]string{
		"address":    ethcommon.Address(account).Hex(),
		"settlement": settlement.Dec(),
	}
	if raw := r.URL.Query().Get("asset"); raw != "" {
		asset, err := parseAccount("asset", raw)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		bal, err := br.tokens.BalanceOf(r.Context(), asset, account)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		allowance, err := br.tokens.Allowance(asset, account, br.engine)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp["asset"] = ethcommon.Address(asset).Hex()
		resp["assetBalance"] = bal.Dec()
		resp["allowance"] = allowance.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (br *bankRoutes) mint(w http.ResponseWriter, r *http.Request) {
	var body mintRequest
	if err := decodeRequest(w, r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	asset, err := parseAccount("asset", body.Asset)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	to, err := parseAccount("to", body.To)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := br.tokens.Mint(asset, to, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "minted"})
}

func (br *bankRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	var body depositRequest
	if err := decodeRequest(w, r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	to, err := parseAccount("to", body.To)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := br.vault.Deposit(to, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
}
