package state

var (
	incentivesAssetPrefix     = []byte("incentives/asset/")
	incentivesUserIndexPrefix = []byte("incentives/user-index/")
	incentivesUnclaimedPrefix = []byte("incentives/unclaimed/")
	incentivesClaimerPrefix   = []byte("incentives/claimer/")
	incentivesPayoutPrefix    = []byte("incentives/payout/")
	incentivesDistributionEnd = []byte("incentives/distribution-end")
	incentivesPayoutSeqKey    = []byte("incentives/payout/seq")
	incentivesPayoutAckKey    = []byte("incentives/payout/ack")
	positionsBalancePrefix    = []byte("positions/balance/")
	positionsSupplyPrefix     = []byte("positions/supply/")
	positionsSequencePrefix   = []byte("positions/sequence/")
)
