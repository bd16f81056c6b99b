// Package scoring computes composite trust scores for registered agents.
//
// The score is a weighted blend of on-chain behavior:
// - Rating quality (Bayesian-smoothed against a neutral prior)
// - Feedback volume and rating consistency
// - Validation success rate
// - Account age and metadata endpoint uptime
// - Deployer track record and metadata URI stability
//
// Everything here is pure: the rescore worker aggregates per-agent inputs
// and calls Calculate once per agent.
package scoring

import (
	"math"
	"time"
)

// Rating prior: an agent with no feedback starts at neutral, and the first
// few ratings move the score slowly.
const (
	RatingPrior     = 50.0
	RatingSmoothing = 10.0
)

// Neutral stands in for signals with no data yet.
const Neutral = 50.0

// Tier names, best first.
const (
	TierDiamond  = "diamond"
	TierPlatinum = "platinum"
	TierGold     = "gold"
	TierSilver   = "silver"
	TierBronze   = "bronze"
	TierUnranked = "unranked"
)

// tierFloor gates a tier on both score and feedback volume.
type tierFloor struct {
	name        string
	minScore    float64
	minFeedback int
}

// Ordered best-first; the first row an agent clears wins.
var tierTable = []tierFloor{
	{TierDiamond, 85, 25},
	{TierPlatinum, 70, 10},
	{TierGold, 55, 5},
	{TierSilver, 40, 3},
	{TierBronze, 25, 1},
}

// Inputs are the aggregated per-agent signals feeding one score.
type Inputs struct {
	AverageRating  float64  // 0-100
	FeedbackCount  int
	RatingStdDev   float64  // 0 when fewer than 2 ratings
	ValidationRate *float64 // 0-1, nil = no validation data
	AgeDays        float64
	Uptime         *float64 // 0-100, nil = unmeasured
	DeployerScore  *float64 // 0-100, nil = unknown deployer
	URIChangeCount int
}

// Components breaks down the composite for inspection.
type Components struct {
	Rating       float64 `json:"rating"`
	Volume       float64 `json:"volume"`
	Consistency  float64 `json:"consistency"`
	Validation   float64 `json:"validation"`
	Age          float64 `json:"age"`
	Uptime       float64 `json:"uptime"`
	Deployer     float64 `json:"deployer"`
	URIStability float64 `json:"uriStability"`
}

// Weights for the composite (sum to 1.0).
type Weights struct {
	Rating       float64
	Volume       float64
	Consistency  float64
	Validation   float64
	Age          float64
	Uptime       float64
	Deployer     float64
	URIStability float64
}

// DefaultWeights: rating dominates, validation and age carry real weight,
// the rest are corrective.
var DefaultWeights = Weights{
	Rating:       0.30,
	Volume:       0.10,
	Consistency:  0.10,
	Validation:   0.15,
	Age:          0.12,
	Uptime:       0.10,
	Deployer:     0.08,
	URIStability: 0.05,
}

// Engine computes composite scores.
type Engine struct {
	weights Weights
}

// NewEngine creates an engine with the default weights.
func NewEngine() *Engine {
	return &Engine{weights: DefaultWeights}
}

// NewEngineWithWeights creates an engine with custom weights.
func NewEngineWithWeights(w Weights) *Engine {
	return &Engine{weights: w}
}

// Result is one computed score.
type Result struct {
	Score        float64    `json:"score"`
	Tier         string     `json:"tier"`
	Components   Components `json:"components"`
	Freshness    float64    `json:"freshnessMultiplier"`
	CalculatedAt time.Time  `json:"calculatedAt"`
}

// Calculate computes the composite score and tier from aggregated inputs.
func (e *Engine) Calculate(in Inputs) *Result {
	comp := Components{}

	// Bayesian rating: pull toward the neutral prior until enough feedback
	// accumulates. n=0 yields exactly the prior.
	n := float64(in.FeedbackCount)
	comp.Rating = (in.AverageRating*n + RatingPrior*RatingSmoothing) / (n + RatingSmoothing)

	// Volume: logarithmic, caps at 100 feedback events.
	comp.Volume = logScale(n, 100)

	// Consistency: tight rating distributions score high. A std dev of 15
	// points halves the signal.
	comp.Consistency = 100 / (1 + in.RatingStdDev/15)

	// Validation: success rate, neutral without data.
	if in.ValidationRate != nil {
		comp.Validation = clamp(*in.ValidationRate * 100)
	} else {
		comp.Validation = Neutral
	}

	// Age: logarithmic, caps at one year.
	comp.Age = logScale(in.AgeDays, 365)

	if in.Uptime != nil {
		comp.Uptime = clamp(*in.Uptime)
	} else {
		comp.Uptime = Neutral
	}

	if in.DeployerScore != nil {
		comp.Deployer = clamp(*in.DeployerScore)
	} else {
		comp.Deployer = Neutral
	}

	comp.URIStability = uriStability(in.URIChangeCount)

	w := e.weights
	score := w.Rating*comp.Rating +
		w.Volume*comp.Volume +
		w.Consistency*comp.Consistency +
		w.Validation*comp.Validation +
		w.Age*comp.Age +
		w.Uptime*comp.Uptime +
		w.Deployer*comp.Deployer +
		w.URIStability*comp.URIStability

	fresh := FreshnessMultiplier(in.AgeDays)
	score = clamp(score * fresh)

	return &Result{
		Score:        math.Round(score*10) / 10,
		Tier:         TierFor(score, in.FeedbackCount),
		Components:   comp,
		Freshness:    fresh,
		CalculatedAt: time.Now(),
	}
}

// FreshnessMultiplier discounts young identities: reputation bought with a
// week-old address is worth less than the same numbers over a year.
func FreshnessMultiplier(ageDays float64) float64 {
	switch {
	case ageDays < 7:
		return 0.70
	case ageDays < 30:
		return 0.85
	case ageDays < 90:
		return 0.95
	default:
		return 1.0
	}
}

// TierFor maps (score, feedback count) to a tier. Both floors must be met;
// high scores on thin feedback stay unranked.
func TierFor(score float64, feedbackCount int) string {
	for _, t := range tierTable {
		if score >= t.minScore && feedbackCount >= t.minFeedback {
			return t.name
		}
	}
	return TierUnranked
}

// DeployerInputs aggregate the track record of one owner address.
type DeployerInputs struct {
	OwnedCount      int
	AbandonedCount  int     // owned, zero feedback, older than 30 days
	AverageQuality  float64 // mean composite score of owned agents
	OldestAgentDays float64
}

// DeployerReputation scores an owner address 0-100 from its portfolio.
func DeployerReputation(in DeployerInputs) float64 {
	if in.OwnedCount == 0 {
		return Neutral
	}

	abandonment := 100 * (1 - float64(in.AbandonedCount)/float64(in.OwnedCount))
	quality := clamp(in.AverageQuality)
	longevity := logScale(in.OldestAgentDays, 365)
	volume := logScale(float64(in.OwnedCount), 10)

	return clamp(0.40*abandonment + 0.30*quality + 0.20*longevity + 0.10*volume)
}

// uriStability buckets metadata churn: agents that keep repointing their
// metadata URI look like resold or repurposed identities.
func uriStability(changes int) float64 {
	switch {
	case changes == 0:
		return 100
	case changes <= 2:
		return 70
	case changes <= 4:
		return 40
	default:
		return 10
	}
}

// logScale maps v logarithmically onto [0,100], reaching 100 at limit.
func logScale(v, limit float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Min(100, 100*math.Log10(v+1)/math.Log10(limit+1))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
