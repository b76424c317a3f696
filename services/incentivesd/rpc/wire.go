package rpc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"google.golang.org/protobuf/types/known/structpb"

	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
)

// errInvalidArgument marks malformed request payloads.
var errInvalidArgument = errors.New("invalid argument")

// maxExactFloat is the largest integer a JSON number carries exactly.
const maxExactFloat = 1 << 53

func field(req *structpb.Struct, name string) (*structpb.Value, bool) {
	v, ok := req.GetFields()[name]
	if !ok || v == nil {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := field(req, name)
	if !ok {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", errInvalidArgument, name)
	}
	return strings.TrimSpace(s.StringValue), nil
}

func stringListField(req *structpb.Struct, name string) ([]string, error) {
	v, ok := field(req, name)
	if !ok {
		return nil, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list", errInvalidArgument, name)
	}
	out := make([]string, 0, len(list.ListValue.GetValues()))
	for i, entry := range list.ListValue.GetValues() {
		s, ok := entry.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be a string", errInvalidArgument, name, i)
		}
		out = append(out, strings.TrimSpace(s.StringValue))
	}
	return out, nil
}

// uintField accepts a non-negative integral number or its decimal string.
func uintField(req *structpb.Struct, name string) (uint64, error) {
	v, ok := field(req, name)
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f < 0 || f != math.Trunc(f) || f > maxExactFloat {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidArgument, name)
		}
		return uint64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", errInvalidArgument, name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", errInvalidArgument, name)
	}
}

func parseAddress(field, raw string) (crypto.Address, error) {
	if raw == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errInvalidArgument, field, err)
	}
	return addr, nil
}

func addressField(req *structpb.Struct, name string) (crypto.Address, error) {
	raw, err := stringField(req, name)
	if err != nil {
		return crypto.Address{}, err
	}
	return parseAddress(name, raw)
}

func addressListField(req *structpb.Struct, name string) ([]crypto.Address, error) {
	raw, err := stringListField(req, name)
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for i, entry := range raw {
		addr, err := parseAddress(fmt.Sprintf("%s[%d]", name, i), entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseAmount decodes a base-10 amount. An empty string yields nil and
// "max" the largest representable amount, as over HTTP.
func parseAmount(field, raw string) (*uint256.Int, error) {
	switch {
	case raw == "":
		return nil, nil
	case strings.EqualFold(raw, "max"):
		return new(uint256.Int).SetAllOne(), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errInvalidArgument, field, err)
	}
	return v, nil
}

func amountField(req *structpb.Struct, name string) (*uint256.Int, error) {
	raw, err := stringField(req, name)
	if err != nil {
		return nil, err
	}
	return parseAmount(name, raw)
}

func amountListField(req *structpb.Struct, name string) ([]*uint256.Int, error) {
	raw, err := stringListField(req, name)
	if err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, 0, len(raw))
	for i, entry := range raw {
		v, err := parseAmount(fmt.Sprintf("%s[%d]", name, i), entry)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// positionField decodes the optional post-event position. It returns nil
// when the request carries none.
func positionField(req *structpb.Struct) (*incentives.Position, error) {
	v, ok := field(req, "position")
	if !ok {
		return nil, nil
	}
	nested, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: position must be an object", errInvalidArgument)
	}
	report := nested.StructValue
	balance, err := amountField(report, "balance")
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	supply, err := amountField(report, "total_supply")
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	seq, err := uintField(report, "sequence")
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	if seq == 0 {
		return nil, fmt.Errorf("%w: position.sequence must be positive", errInvalidArgument)
	}
	return &incentives.Position{Balance: balance, TotalSupply: supply, Sequence: seq}, nil
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// reply builds a response struct. Values must be strings, bools, numbers
// or nested maps, as accepted by structpb.NewStruct.
func reply(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return out, nil
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}
