package contracts

// RewardType names a grantable incentive.
type RewardType string

const (
	RewardStreakShield    RewardType = "streak_shield"
	RewardGemBoost        RewardType = "gem_boost"
	RewardPracticePowerUp RewardType = "practice_power_up"
	RewardClassPass       RewardType = "class_pass"
	RewardXPBoost         RewardType = "xp_boost"
)

// RewardConditions gate issuance of a reward.
type RewardConditions struct {
	FVMRequired     bool `json:"fvmRequired"`
	TimeWindowHours int  `json:"timeWindowHours,omitempty"`
}

// Reward is one side of an issued incentive.
type Reward struct {
	Type        RewardType        `json:"type"`
	Amount      int               `json:"amount"`
	Description string            `json:"description"`
	Conditions  *RewardConditions `json:"conditions,omitempty"`
}

// RewardPair is issued together: one reward for the inviter and one for the invitee.
type RewardPair struct {
	Inviter Reward `json:"inviter"`
	Invitee Reward `json:"invitee"`
}

// Copy is the personalized invite text.
type Copy struct {
	Headline string `json:"headline"`
	Body     string `json:"body"`
	CTA      string `json:"cta"`
	Tone     string `json:"tone"`
}

// Personalization is what the personalization provider returns for an invite.
type Personalization struct {
	Copy    Copy        `json:"copy"`
	Reward  *RewardPair `json:"reward,omitempty"`
	Channel Channel     `json:"channel"`
}
