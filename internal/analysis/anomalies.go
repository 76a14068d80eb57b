package analysis

import (
	"github.com/dvloznov/statement-insights/internal/domain"
)

// Anomaly detection parameters.
const (
	DefaultAnomalyThreshold = 3.0
	MinAnomalySample        = 4
)

// Anomaly is an outflow far above the rest of the user's spending.
type Anomaly struct {
	TransactionID string  `json:"transactionId"`
	Date          string  `json:"date"`
	Description   string  `json:"description"`
	Merchant      string  `json:"merchant"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"stdDev"`
	ZScore        float64 `json:"zScore"`
}

// DetectAnomalies flags outflows where amount > mean + threshold·σ of every
// other outflow; the candidate is left out of its own reference sample.
// When the other outflows have no spread, the reference is the whole sample,
// candidate included. Results keep ledger order.
func DetectAnomalies(txns []domain.Transaction, threshold float64) []Anomaly {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}

	var outflows []domain.Transaction
	for _, t := range countable(txns) {
		if t.Direction == domain.DirectionOutflow {
			outflows = append(outflows, t)
		}
	}

	anomalies := []Anomaly{}
	if len(outflows) < MinAnomalySample {
		return anomalies
	}

	all := make([]float64, 0, len(outflows))
	for _, o := range outflows {
		all = append(all, o.Amount)
	}
	allMean, allSD := mean(all), stdDev(all)

	ref := make([]float64, 0, len(outflows)-1)
	for i, t := range outflows {
		ref = ref[:0]
		for j, o := range outflows {
			if j != i {
				ref = append(ref, o.Amount)
			}
		}

		m, sd := mean(ref), stdDev(ref)
		if sd == 0 {
			m, sd = allMean, allSD
		}
		if sd == 0 || t.Amount <= m+threshold*sd {
			continue
		}

		a := Anomaly{
			TransactionID: t.TransactionID,
			Date:          t.Date.String(),
			Description:   t.Description,
			Merchant:      t.MerchantOr(UnknownSourceLabel),
			Category:      t.CategoryOr(UncategorizedLabel),
			Amount:        t.Amount,
			Mean:          m,
			StdDev:        sd,
		}
		a.ZScore = (t.Amount - m) / sd
		anomalies = append(anomalies, a)
	}
	return anomalies
}
