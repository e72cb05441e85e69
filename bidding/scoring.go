package bidding

import (
	"sort"
	"time"

	"helpmarket/helper"
)

const (
	weightPrice      = 0.30
	weightRating     = 0.40
	weightCompletion = 0.20
	weightResponse   = 0.10

	responseCeiling = 24 * time.Hour
)

// ScoreBid computes the weighted score of a revealed bid. maxAmount is the
// highest amount among the bids revealed with it.
func ScoreBid(amount, maxAmount int64, p helper.Profile) Score {
	s := Score{
		Price:      priceScore(amount, maxAmount),
		Rating:     clamp(p.Rating/5*100, 0, 100),
		Completion: clamp(p.CompletionRate*100, 0, 100),
		Response:   responseScore(p.AvgResponse),
	}
	s.Total = weightPrice*s.Price + weightRating*s.Rating + weightCompletion*s.Completion + weightResponse*s.Response
	return s
}

// priceScore is 0 at the maximum observed bid and grows linearly as the
// amount falls towards zero.
func priceScore(amount, maxAmount int64) float64 {
	if maxAmount <= 0 {
		return 0
	}
	return clamp(float64(maxAmount-amount)/float64(maxAmount)*100, 0, 100)
}

func responseScore(d time.Duration) float64 {
	if d < 0 {
		d = 0
	}
	return clamp(float64(responseCeiling-d)/float64(responseCeiling)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rankBids orders scored bids best first. Equal scores fall back to the
// earlier submission, then the bid id.
func rankBids(bids []Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		a, b := bids[i], bids[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	for i := range bids {
		bids[i].Rank = i + 1
	}
}
