package models

// Tier is a subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPlus    Tier = "plus"
	TierPremium Tier = "premium"
)

// Entitlement is a user's subscription tier and whether it is currently active.
type Entitlement struct {
	Tier   Tier `json:"tier"`
	Active bool `json:"active"`
}

// DefaultEntitlement is assumed for users with no subscription record.
var DefaultEntitlement = Entitlement{Tier: TierFree, Active: false}

// HasPriority reports whether the user gets matchmaking priority: an active
// plus or premium subscription.
func (e Entitlement) HasPriority() bool {
	return e.Active && (e.Tier == TierPlus || e.Tier == TierPremium)
}

// EffectiveTier is the tier that governs quotas: an inactive subscription
// counts as free.
func (e Entitlement) EffectiveTier() Tier {
	if !e.Active {
		return TierFree
	}
	switch e.Tier {
	case TierPlus, TierPremium:
		return e.Tier
	default:
		return TierFree
	}
}
