// Package moderation scores chat messages for abuse, spam and leaked
// personal data, and turns per-user activity into auto-ban
// recommendations. The keyword table and rule weights form a Policy that
// can be replaced from a YAML file without touching the scoring code.
package moderation

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// KeywordClass is a named group of monitored terms. Terms may be single
// words or phrases; matching is case-insensitive on whole words.
type KeywordClass struct {
	Name         string   `yaml:"name"`
	PersonalInfo bool     `yaml:"personal_info"`
	Terms        []string `yaml:"terms"`
}

// Weights are the additive contributions of each rule.
type Weights struct {
	Keyword      float64 `yaml:"keyword"`
	PersonalInfo float64 `yaml:"personal_info"`
	Pattern      float64 `yaml:"pattern"`
	CharFlood    float64 `yaml:"char_flood"`
	Caps         float64 `yaml:"caps"`
	Long         float64 `yaml:"long"`
	Special      float64 `yaml:"special"`
	FirstContact float64 `yaml:"first_contact"`
}

// Limits are the cut-offs the structural rules apply.
type Limits struct {
	CharFloodRun      int     `yaml:"char_flood_run"`
	CapsRatio         float64 `yaml:"caps_ratio"`
	CapsMinLength     int     `yaml:"caps_min_length"`
	LongMessage       int     `yaml:"long_message"`
	SpecialRatio      float64 `yaml:"special_ratio"`
	FirstContactFloor float64 `yaml:"first_contact_floor"`
}

// Policy is the swappable moderation table.
type Policy struct {
	Classes []KeywordClass `yaml:"classes"`
	Weights Weights        `yaml:"weights"`
	Limits  Limits         `yaml:"limits"`

	terms []compiledTerm
}

type compiledTerm struct {
	class        string
	term         string
	tokens       []string
	personalInfo bool
}

// DefaultPolicy returns the built-in English and French table.
func DefaultPolicy() *Policy {
	p := &Policy{
		Classes: []KeywordClass{
			{Name: "profanity", Terms: []string{
				"fuck", "shit", "bitch", "asshole", "cunt", "dick",
				"connard", "connasse", "salope", "pute", "merde", "encule", "enculé", "batard",
			}},
			{Name: "harassment", Terms: []string{
				"kill yourself", "kys", "go die", "nobody likes you",
				"ta gueule", "nique ta mere", "nique ta mère", "va crever",
			}},
			{Name: "sexual", Terms: []string{
				"nudes", "send nudes", "sexting", "nude pics", "envoie des photos",
			}},
			{Name: "spam", Terms: []string{
				"free money", "click here", "crypto giveaway", "promo code", "onlyfans",
				"gagner de l'argent", "argent facile",
			}},
			{Name: "contact", PersonalInfo: true, Terms: []string{
				"snapchat", "snap", "instagram", "insta", "whatsapp", "telegram", "kik",
				"my number", "phone number", "email me", "text me",
				"mon numero", "mon numéro", "ajoute moi", "mon insta", "mon snap",
			}},
		},
		Weights: Weights{
			Keyword:      0.15,
			PersonalInfo: 0.2,
			Pattern:      0.3,
			CharFlood:    0.2,
			Caps:         0.15,
			Long:         0.1,
			Special:      0.1,
			FirstContact: 0.2,
		},
		Limits: Limits{
			CharFloodRun:      5,
			CapsRatio:         0.7,
			CapsMinLength:     10,
			LongMessage:       500,
			SpecialRatio:      0.3,
			FirstContactFloor: 0.2,
		},
	}
	p.compile()
	return p
}

// LoadPolicy reads a policy from a YAML file. Fields the file leaves out
// keep their default values; a non-empty classes list replaces the
// built-in keyword table entirely.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document over the defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	var doc Policy
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("moderation: parse policy: %w", err)
	}
	if len(doc.Classes) > 0 {
		p.Classes = doc.Classes
	}
	mergeWeights(&p.Weights, doc.Weights)
	mergeLimits(&p.Limits, doc.Limits)

	if err := p.validate(); err != nil {
		return nil, err
	}
	p.compile()
	return p, nil
}

func mergeWeights(dst *Weights, src Weights) {
	for _, f := range []struct {
		dst *float64
		src float64
	}{
		{&dst.Keyword, src.Keyword},
		{&dst.PersonalInfo, src.PersonalInfo},
		{&dst.Pattern, src.Pattern},
		{&dst.CharFlood, src.CharFlood},
		{&dst.Caps, src.Caps},
		{&dst.Long, src.Long},
		{&dst.Special, src.Special},
		{&dst.FirstContact, src.FirstContact},
	} {
		if f.src != 0 {
			*f.dst = f.src
		}
	}
}

func mergeLimits(dst *Limits, src Limits) {
	if src.CharFloodRun != 0 {
		dst.CharFloodRun = src.CharFloodRun
	}
	if src.CapsRatio != 0 {
		dst.CapsRatio = src.CapsRatio
	}
	if src.CapsMinLength != 0 {
		dst.CapsMinLength = src.CapsMinLength
	}
	if src.LongMessage != 0 {
		dst.LongMessage = src.LongMessage
	}
	if src.SpecialRatio != 0 {
		dst.SpecialRatio = src.SpecialRatio
	}
	if src.FirstContactFloor != 0 {
		dst.FirstContactFloor = src.FirstContactFloor
	}
}

func (p *Policy) validate() error {
	var errs []error
	for i, c := range p.Classes {
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("class %d has no name", i))
		}
		if len(c.Terms) == 0 {
			errs = append(errs, fmt.Errorf("class %q has no terms", c.Name))
		}
	}
	if p.Limits.CharFloodRun < 2 {
		errs = append(errs, errors.New("limits.char_flood_run must be at least 2"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("moderation: invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Policy) compile() {
	p.terms = p.terms[:0]
	seen := make(map[string]bool)
	for _, c := range p.Classes {
		for _, term := range c.Terms {
			tokens := tokenize(term)
			if len(tokens) == 0 {
				continue
			}
			key := c.Name + "\x00" + strings.Join(tokens, " ")
			if seen[key] {
				continue
			}
			seen[key] = true
			p.terms = append(p.terms, compiledTerm{
				class:        c.Name,
				term:         strings.Join(tokens, " "),
				tokens:       tokens,
				personalInfo: c.PersonalInfo,
			})
		}
	}
}

// keywordHit is one monitored term found in a message.
type keywordHit struct {
	class        string
	term         string
	personalInfo bool
}

// matchKeywords returns each distinct term present in text as whole words.
func (p *Policy) matchKeywords(text string) []keywordHit {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	var hits []keywordHit
	for _, t := range p.terms {
		if containsSequence(tokens, t.tokens) {
			hits = append(hits, keywordHit{class: t.class, term: t.term, personalInfo: t.personalInfo})
		}
	}
	return hits
}

// tokenize lowercases text and splits it into runs of letters and digits.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsSequence(haystack, needle []string) bool {
	if len(needle) > len(haystack) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
