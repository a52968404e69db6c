package moderation

import (
	"math"

	"github.com/whisper/pairing/internal/config"
)

// Reason tags reported in a Verdict and stored as message flags.
const (
	FlagKeyword       = "keyword"
	FlagContact       = "contact_keyword"
	FlagPhone         = "phone"
	FlagEmail         = "email"
	FlagURL           = "url"
	FlagHandle        = "handle"
	FlagRepeatedChars = "repeated_chars"
	FlagCaps          = "caps"
	FlagLong          = "long"
	FlagSpecialChars  = "special_chars"
	FlagFirstContact  = "first_contact"
)

// thresholdEpsilon absorbs float error when a sum of weights lands exactly
// on a threshold.
const thresholdEpsilon = 1e-9

// Metadata is what the analyzer knows about a message beyond its text.
type Metadata struct {
	SessionID string
	SenderID  string
	// FirstMessage is true when the sender has not tried to send anything
	// in the session yet; a blocked attempt still counts.
	FirstMessage bool
}

// Verdict is the outcome of scoring one message.
type Verdict struct {
	Score                float64  `json:"score"`
	AutoFlagged          bool     `json:"auto_flagged"`
	AutoBlocked          bool     `json:"auto_blocked"`
	ContainsPersonalInfo bool     `json:"contains_personal_info"`
	Reasons              []string `json:"reasons,omitempty"`
	Keywords             []string `json:"keywords,omitempty"`
}

// HasReason reports whether the verdict carries a reason tag.
func (v Verdict) HasReason(tag string) bool {
	for _, r := range v.Reasons {
		if r == tag {
			return true
		}
	}
	return false
}

// Analyzer applies a Policy to message text. It has no state and does no
// I/O.
type Analyzer struct {
	policy *Policy
	flag   float64
	block  float64
}

// NewAnalyzer creates an analyzer. A nil policy uses DefaultPolicy.
func NewAnalyzer(policy *Policy, cfg config.ModerationConfig) *Analyzer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Analyzer{policy: policy, flag: cfg.FlagThreshold, block: cfg.BlockThreshold}
}

// Analyze scores content. Contributions are additive and the total is
// capped at 1.
func (a *Analyzer) Analyze(content string, md Metadata) Verdict {
	p := a.policy
	w := p.Weights
	var (
		v     Verdict
		score float64
	)
	addReason := func(tag string) {
		if !v.HasReason(tag) {
			v.Reasons = append(v.Reasons, tag)
		}
	}

	for _, hit := range p.matchKeywords(content) {
		score += w.Keyword
		v.Keywords = append(v.Keywords, hit.term)
		addReason(FlagKeyword)
		if hit.personalInfo {
			score += w.PersonalInfo
			v.ContainsPersonalInfo = true
			addReason(FlagContact)
		}
	}

	for _, check := range structuralChecks {
		if check.match(content) {
			score += w.Pattern
			v.ContainsPersonalInfo = true
			addReason(check.name)
		}
	}

	if hasCharFlood(content, p.Limits.CharFloodRun) {
		score += w.CharFlood
		addReason(FlagRepeatedChars)
	}

	shape := shapeOf(content)
	if shape.runes > p.Limits.CapsMinLength &&
		float64(shape.upper)/float64(shape.runes) > p.Limits.CapsRatio {
		score += w.Caps
		addReason(FlagCaps)
	}
	if shape.runes > p.Limits.LongMessage {
		score += w.Long
		addReason(FlagLong)
	}
	if shape.runes > 0 && float64(shape.special)/float64(shape.runes) > p.Limits.SpecialRatio {
		score += w.Special
		addReason(FlagSpecialChars)
	}

	if md.FirstMessage && score > p.Limits.FirstContactFloor+thresholdEpsilon {
		score += w.FirstContact
		addReason(FlagFirstContact)
	}

	v.Score = math.Min(1, score)
	v.AutoFlagged = v.Score+thresholdEpsilon >= a.flag
	v.AutoBlocked = v.Score+thresholdEpsilon >= a.block
	return v
}
