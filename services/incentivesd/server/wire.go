package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
)

const maxBodyBytes = 1 << 20

// errBadRequest marks malformed request payloads.
var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, incentives.ErrLengthMismatch),
		errors.Is(err, incentives.ErrInvalidAddress),
		errors.Is(err, incentives.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, incentives.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, incentives.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, incentives.ErrStalePosition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return addr, nil
}

func parseAddresses(field string, raw []string) ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(raw))
	for i, entry := range raw {
		addr, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseAmount decodes a base-10 amount. An empty string yields nil, which
// the ledger rejects where an amount is required. "max" selects the largest
// representable amount.
func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return nil, nil
	case strings.EqualFold(trimmed, "max"):
		return new(uint256.Int).SetAllOne(), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

func parseAmounts(field string, raw []string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, 0, len(raw))
	for i, entry := range raw {
		v, err := parseAmount(fmt.Sprintf("%s[%d]", field, i), entry)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parsePosition(report *positionReport) (incentives.Position, error) {
	balance, err := parseAmount("position.balance", report.Balance)
	if err != nil {
		return incentives.Position{}, err
	}
	supply, err := parseAmount("position.total_supply", report.TotalSupply)
	if err != nil {
		return incentives.Position{}, err
	}
	if report.Sequence == 0 {
		return incentives.Position{}, fmt.Errorf("%w: position.sequence must be positive", errBadRequest)
	}
	return incentives.Position{Balance: balance, TotalSupply: supply, Sequence: report.Sequence}, nil
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

type metaResponse struct {
	RewardToken     string `json:"reward_token"`
	Precision       uint8  `json:"precision"`
	DistributionEnd uint64 `json:"distribution_end"`
}

type configureAssetsRequest struct {
	Assets             []string `json:"assets"`
	EmissionsPerSecond []string `json:"emissions_per_second"`
	TotalSupplies      []string `json:"total_supplies"`
}

type setClaimerRequest struct {
	Claimer string `json:"claimer"`
}

type setDistributionEndRequest struct {
	End uint64 `json:"end"`
}

type positionReport struct {
	Balance     string `json:"balance"`
	TotalSupply string `json:"total_supply"`
	Sequence    uint64 `json:"sequence"`
}

type actionRequest struct {
	User        string          `json:"user"`
	UserBalance string          `json:"user_balance"`
	TotalSupply string          `json:"total_supply"`
	Position    *positionReport `json:"position,omitempty"`
}

type actionResponse struct {
	Accrued string `json:"accrued"`
}

type assetResponse struct {
	Asset               string `json:"asset"`
	Index               string `json:"index"`
	EmissionPerSecond   string `json:"emission_per_second"`
	LastUpdateTimestamp uint64 `json:"last_update_timestamp"`
}

type rewardsResponse struct {
	User    string `json:"user"`
	Rewards string `json:"rewards"`
}

type unclaimedResponse struct {
	User      string `json:"user"`
	Unclaimed string `json:"unclaimed"`
}

type userAssetResponse struct {
	User  string `json:"user"`
	Asset string `json:"asset"`
	Index string `json:"index"`
}

type claimerResponse struct {
	User    string `json:"user"`
	Claimer string `json:"claimer"`
}

type claimRequest struct {
	Assets []string `json:"assets"`
	Amount string   `json:"amount"`
	To     string   `json:"to,omitempty"`
}

type claimOnBehalfRequest struct {
	Assets []string `json:"assets"`
	Amount string   `json:"amount"`
	User   string   `json:"user"`
	To     string   `json:"to"`
}

type claimResponse struct {
	Paid string `json:"paid"`
}
