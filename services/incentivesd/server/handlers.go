package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
)

func (s *Server) caller(r *http.Request) crypto.Address {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p.Address
	}
	return crypto.Address{}
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	end, err := s.ledger.GetDistributionEnd()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metaResponse{
		RewardToken:     s.ledger.RewardToken().String(),
		Precision:       s.ledger.Precision(),
		DistributionEnd: end,
	})
}

func (s *Server) handleConfigureAssets(w http.ResponseWriter, r *http.Request) {
	var req configureAssetsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	assets, err := parseAddresses("assets", req.Assets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	emissions, err := parseAmounts("emissions_per_second", req.EmissionsPerSecond)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	supplies, err := parseAmounts("total_supplies", req.TotalSupplies)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ledger.ConfigureAssets(r.Context(), s.caller(r), assets, emissions, supplies); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetClaimer(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req setClaimerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	claimer, err := parseAddress("claimer", req.Claimer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ledger.SetClaimer(r.Context(), s.caller(r), user, claimer); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDistributionEnd(w http.ResponseWriter, r *http.Request) {
	var req setDistributionEndRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ledger.SetDistributionEnd(r.Context(), s.caller(r), req.End); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAction reports a balance change on behalf of the calling asset. The
// balances are the pre-event values; the optional position carries the
// post-event values used later by claims and is committed with the action.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	asset := s.caller(r)
	user, err := parseAddress("user", req.User)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := parseAmount("user_balance", req.UserBalance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	supply, err := parseAmount("total_supply", req.TotalSupply)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var accrued *uint256.Int
	if req.Position == nil {
		accrued, err = s.ledger.HandleAction(r.Context(), asset, user, balance, supply)
	} else {
		var position incentives.Position
		position, err = parsePosition(req.Position)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		accrued, err = s.ledger.HandleActionWithPosition(r.Context(), asset, user, balance, supply, position)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Accrued: formatAmount(accrued)})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.ledger.GetAssetData(asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assetResponse{
		Asset:               asset.String(),
		Index:               formatAmount(data.Index),
		EmissionPerSecond:   formatAmount(data.EmissionPerSecond),
		LastUpdateTimestamp: data.LastUpdateTimestamp,
	})
}

func (s *Server) handleRewardsBalance(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var raw []string
	if list := strings.TrimSpace(r.URL.Query().Get("assets")); list != "" {
		raw = strings.Split(list, ",")
	}
	assets, err := parseAddresses("assets", raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total, err := s.ledger.GetRewardsBalance(r.Context(), assets, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rewardsResponse{User: user.String(), Rewards: formatAmount(total)})
}

func (s *Server) handleUnclaimed(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	unclaimed, err := s.ledger.GetUserUnclaimedRewards(user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unclaimedResponse{User: user.String(), Unclaimed: formatAmount(unclaimed)})
}

func (s *Server) handleUserAsset(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	index, err := s.ledger.GetUserAssetData(user, asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userAssetResponse{User: user.String(), Asset: asset.String(), Index: formatAmount(index)})
}

func (s *Server) handleGetClaimer(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	claimer, err := s.ledger.GetClaimer(user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimerResponse{User: user.String(), Claimer: claimer.String()})
}

// handleClaim pays the caller's rewards to "to", or to the caller when it
// is omitted.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	assets, err := parseAddresses("assets", req.Assets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := s.caller(r)
	if strings.TrimSpace(req.To) == "" {
		paid, err := s.ledger.ClaimRewardsToSelf(r.Context(), caller, assets, amount)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, claimResponse{Paid: formatAmount(paid)})
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	paid, err := s.ledger.ClaimRewards(r.Context(), caller, assets, amount, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Paid: formatAmount(paid)})
}

func (s *Server) handleClaimOnBehalf(w http.ResponseWriter, r *http.Request) {
	var req claimOnBehalfRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	assets, err := parseAddresses("assets", req.Assets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	paid, err := s.ledger.ClaimRewardsOnBehalf(r.Context(), s.caller(r), assets, amount, user, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Paid: formatAmount(paid)})
}
