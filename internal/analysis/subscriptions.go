package analysis

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// DefaultMinSubscriptionOccurrences is the number of charges needed before a
// merchant counts as a subscription. Values below 2 are raised to 2.
const DefaultMinSubscriptionOccurrences = 3

// maxAmountCV is the largest coefficient of variation of charge amounts.
const maxAmountCV = 0.1

// Frequency is a detected cadence.
type Frequency string

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyAnnual  Frequency = "annual"
)

type cadence struct {
	frequency    Frequency
	minGap       float64
	maxGap       float64
	activeWithin int
	confidence   float64
}

var cadences = []cadence{
	{frequency: FrequencyWeekly, minGap: 6, maxGap: 8, activeWithin: 14, confidence: 0.7},
	{frequency: FrequencyMonthly, minGap: 28, maxGap: 32, activeWithin: 45, confidence: 0.9},
	{frequency: FrequencyAnnual, minGap: 360, maxGap: 370, activeWithin: 400, confidence: 0.7},
}

// subscriptionNamespace seeds deterministic subscription ids.
var subscriptionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("statement-insights/subscriptions"))

// DetectedSubscription is a merchant charged on a regular cadence.
type DetectedSubscription struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	MerchantKey   string     `json:"merchant_key"`
	Merchant      string     `json:"merchant"`
	Frequency     Frequency  `json:"frequency"`
	FirstSeen     civil.Date `json:"first_seen"`
	LastSeen      civil.Date `json:"last_seen"`
	IsActive      bool       `json:"is_active"`
	Confidence    float64    `json:"confidence"`
	AverageAmount float64    `json:"average_amount"`
	Occurrences   int        `json:"occurrences"`
	Transactions  []string   `json:"transactions"`
	CreatedAt     time.Time  `json:"created_at"`
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeMerchant lowercases, replaces non-alphanumerics with spaces and
// collapses whitespace.
func NormalizeMerchant(name string) string {
	key := nonAlphanumeric.ReplaceAllString(strings.ToLower(name), " ")
	return strings.Join(strings.Fields(key), " ")
}

// DetectSubscriptions groups outflows by normalized merchant and keeps the
// groups with a regular cadence and stable amounts. asOf decides is_active.
func DetectSubscriptions(userID string, txns []domain.Transaction, minOccurrences int, asOf time.Time) []DetectedSubscription {
	if minOccurrences < 2 {
		minOccurrences = 2
	}

	groups := make(map[string][]domain.Transaction)
	for _, t := range countable(txns) {
		if t.Direction != domain.DirectionOutflow {
			continue
		}
		key := NormalizeMerchant(t.MerchantOr(t.Description))
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], t)
	}

	today := civil.DateOf(asOf)
	subs := []DetectedSubscription{}
	for _, key := range sortedKeys(groups) {
		group := groups[key]
		if len(group) < minOccurrences {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Date.Before(group[j].Date) })

		gaps := make([]float64, 0, len(group)-1)
		amounts := make([]float64, 0, len(group))
		ids := make([]string, 0, len(group))
		for i, t := range group {
			amounts = append(amounts, t.Amount)
			ids = append(ids, t.TransactionID)
			if i > 0 {
				gaps = append(gaps, float64(t.Date.DaysSince(group[i-1].Date)))
			}
		}

		c, ok := matchCadence(mean(gaps))
		if !ok {
			continue
		}
		avg := mean(amounts)
		if avg <= 0 || stdDev(amounts)/avg > maxAmountCV {
			continue
		}

		first, last := group[0], group[len(group)-1]
		subs = append(subs, DetectedSubscription{
			ID:            uuid.NewSHA1(subscriptionNamespace, []byte(userID+"|"+key+"|"+string(c.frequency))).String(),
			UserID:        userID,
			MerchantKey:   key,
			Merchant:      last.MerchantOr(last.Description),
			Frequency:     c.frequency,
			FirstSeen:     first.Date,
			LastSeen:      last.Date,
			IsActive:      today.DaysSince(last.Date) <= c.activeWithin,
			Confidence:    c.confidence,
			AverageAmount: round2(avg),
			Occurrences:   len(group),
			Transactions:  ids,
			CreatedAt:     asOf,
		})
	}
	return subs
}

func matchCadence(avgGap float64) (cadence, bool) {
	for _, c := range cadences {
		if avgGap >= c.minGap && avgGap <= c.maxGap {
			return c, true
		}
	}
	return cadence{}, false
}
