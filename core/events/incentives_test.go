package events

import (
	"testing"

	"github.com/holiman/uint256"

	"rewardsledger/crypto"
)

func TestRewardsClaimedEvent(t *testing.T) {
	user := crypto.DeriveAddress(crypto.NHBPrefix, "user")
	to := crypto.DeriveAddress(crypto.NHBPrefix, "recipient")
	evt := RewardsClaimed{
		User:    user,
		To:      to,
		Claimer: user,
		Amount:  uint256.NewInt(300),
		Seq:     7,
	}.Event()
	if evt.Type != TypeRewardsClaimed {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["amount"] != "300" || evt.Attributes["seq"] != "7" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["to"] != to.String() {
		t.Fatalf("unexpected recipient: %s", evt.Attributes["to"])
	}
}

func TestClaimerSetClearedRendersEmpty(t *testing.T) {
	evt := ClaimerSet{User: crypto.DeriveAddress(crypto.NHBPrefix, "user")}.Event()
	if evt.Attributes["claimer"] != "" {
		t.Fatalf("expected empty claimer, got %q", evt.Attributes["claimer"])
	}
}

func TestNilAmountRendersZero(t *testing.T) {
	evt := RewardsAccrued{}.Event()
	if evt.Attributes["amount"] != "0" {
		t.Fatalf("expected zero amount, got %q", evt.Attributes["amount"])
	}
}

func TestMultiEmitterFanOut(t *testing.T) {
	var first, second []string
	multi := NewMultiEmitter(
		EmitterFunc(func(evt Event) { first = append(first, evt.EventType()) }),
		nil,
	)
	multi.Add(EmitterFunc(func(evt Event) { second = append(second, evt.EventType()) }))

	multi.Emit(DistributionEndUpdated{End: 10})
	multi.Emit(nil)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one event per sink, got %v / %v", first, second)
	}
	if first[0] != TypeDistributionEndUpdated {
		t.Fatalf("unexpected type: %s", first[0])
	}
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestRenderFallsBackToType(t *testing.T) {
	rendered := Render(bareEvent{})
	if rendered.Type != "bare" || rendered.Attributes == nil {
		t.Fatalf("unexpected render: %+v", rendered)
	}
	if Render(DistributionEndUpdated{End: 5}).Attributes["end"] != "5" {
		t.Fatalf("expected rendered attributes")
	}
}
