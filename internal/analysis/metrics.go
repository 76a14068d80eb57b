package analysis

import (
	"sort"
	"strings"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// Fallback labels for missing categories and merchants.
const (
	UncategorizedLabel = "Uncategorized"
	UnknownSourceLabel = "Unknown"
)

// revolvingFactor marks card spend well above card repayments.
const revolvingFactor = 1.2

// CoreMetrics are the headline income and expense figures.
type CoreMetrics struct {
	TotalIncome       float64 `json:"totalIncome"`
	TotalExpenses     float64 `json:"totalExpenses"`
	NetSavings        float64 `json:"netSavings"`
	SavingsRate       float64 `json:"savingsRate"`
	AvgMonthlyBurn    float64 `json:"avgMonthlyBurn"`
	IncomeConsistency float64 `json:"incomeConsistency"`
	ExpenseVolatility float64 `json:"expenseVolatility"`
}

// MonthCashflow is one month of net cash movement.
type MonthCashflow struct {
	Month       string  `json:"month"`
	Inflow      float64 `json:"inflow"`
	Outflow     float64 `json:"outflow"`
	NetCashFlow float64 `json:"netCashFlow"`
}

// Cashflow summarises months with positive and negative net flow.
type Cashflow struct {
	Months                 []MonthCashflow `json:"months"`
	PositiveMonths         int             `json:"positiveMonths"`
	NegativeMonths         int             `json:"negativeMonths"`
	CashflowStabilityIndex float64         `json:"cashflowStabilityIndex"`
	CashflowGaps           []MonthCashflow `json:"cashflowGaps"`
}

// CategoryShare is the outflow of one category.
type CategoryShare struct {
	Category            string  `json:"category"`
	Amount              float64 `json:"amount"`
	PercentageOfExpense float64 `json:"percentageOfExpense"`
}

// CreditMetrics describe credit card usage.
type CreditMetrics struct {
	TotalCreditSpend  float64 `json:"totalCreditSpend"`
	CreditSpendRatio  float64 `json:"creditSpendRatio"`
	InterestPaid      float64 `json:"interestPaid"`
	FeesPaid          float64 `json:"feesPaid"`
	RevolvingDetected bool    `json:"revolvingDetected"`
}

// IncomeSources groups inflow by merchant.
type IncomeSources struct {
	Sources                  map[string]float64 `json:"sources"`
	DependenceOnSingleSource float64            `json:"dependenceOnSingleSource"`
	IncomeConsistency        float64            `json:"incomeConsistency"`
}

// ExpenseSources groups outflow by merchant.
type ExpenseSources struct {
	Sources                  map[string]float64 `json:"sources"`
	DependenceOnSingleSource float64            `json:"dependenceOnSingleSource"`
	ExpenseVolatility        float64            `json:"expenseVolatility"`
}

// MonthlyMetrics is the per-month row persisted for trend views.
type MonthlyMetrics struct {
	Month       string  `json:"month"`
	Income      float64 `json:"income"`
	Expenses    float64 `json:"expenses"`
	Savings     float64 `json:"savings"`
	SavingsRate float64 `json:"savingsRate"`
	BurnRate    float64 `json:"burnRate"`
}

// countable drops internal transfers.
func countable(txns []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txns))
	for _, t := range txns {
		if !t.IsInternalTransfer {
			out = append(out, t)
		}
	}
	return out
}

func isSelfTransfer(t domain.Transaction) bool {
	return t.Subcategory != nil && strings.Contains(*t.Subcategory, "self_transfer")
}

func sumDirection(txns []domain.Transaction, dir domain.Direction) float64 {
	var total float64
	for _, t := range txns {
		if t.Direction == dir {
			total += t.Amount
		}
	}
	return total
}

// monthlyTotals sums amounts of dir per YYYY-MM, in ascending month order.
func monthlyTotals(txns []domain.Transaction, dir domain.Direction) []float64 {
	byMonth := make(map[string]float64)
	for _, t := range txns {
		if t.Direction == dir {
			byMonth[t.YearMonth()] += t.Amount
		}
	}
	months := sortedKeys(byMonth)
	out := make([]float64, 0, len(months))
	for _, m := range months {
		out = append(out, byMonth[m])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ComputeCoreMetrics excludes internal and self transfers.
func ComputeCoreMetrics(txns []domain.Transaction) CoreMetrics {
	filtered := make([]domain.Transaction, 0, len(txns))
	for _, t := range countable(txns) {
		if !isSelfTransfer(t) {
			filtered = append(filtered, t)
		}
	}

	income := sumDirection(filtered, domain.DirectionInflow)
	expenses := sumDirection(filtered, domain.DirectionOutflow)

	months := make(map[string]struct{})
	for _, t := range filtered {
		months[t.YearMonth()] = struct{}{}
	}
	monthCount := len(months)
	if monthCount == 0 {
		monthCount = 1
	}

	core := CoreMetrics{
		TotalIncome:       income,
		TotalExpenses:     expenses,
		NetSavings:        income - expenses,
		AvgMonthlyBurn:    expenses / float64(monthCount),
		IncomeConsistency: stdDev(monthlyTotals(filtered, domain.DirectionInflow)),
		ExpenseVolatility: stdDev(monthlyTotals(filtered, domain.DirectionOutflow)),
	}
	if income != 0 {
		core.SavingsRate = core.NetSavings / income
	}
	return core
}

// ComputeCashflow buckets non-transfer transactions by month.
func ComputeCashflow(txns []domain.Transaction) Cashflow {
	byMonth := make(map[string]*MonthCashflow)
	for _, t := range countable(txns) {
		m := t.YearMonth()
		mc, ok := byMonth[m]
		if !ok {
			mc = &MonthCashflow{Month: m}
			byMonth[m] = mc
		}
		if t.Direction == domain.DirectionInflow {
			mc.Inflow += t.Amount
		} else {
			mc.Outflow += t.Amount
		}
	}

	cf := Cashflow{
		Months:       make([]MonthCashflow, 0, len(byMonth)),
		CashflowGaps: []MonthCashflow{},
	}
	nets := make([]float64, 0, len(byMonth))
	for _, m := range sortedKeys(byMonth) {
		mc := *byMonth[m]
		mc.NetCashFlow = mc.Inflow - mc.Outflow
		cf.Months = append(cf.Months, mc)
		nets = append(nets, mc.NetCashFlow)

		switch {
		case mc.NetCashFlow > 0:
			cf.PositiveMonths++
		case mc.NetCashFlow < 0:
			cf.NegativeMonths++
			cf.CashflowGaps = append(cf.CashflowGaps, mc)
		}
	}
	cf.CashflowStabilityIndex = stdDev(nets)
	return cf
}

// ComputeCategories returns outflow per category, largest first.
func ComputeCategories(txns []domain.Transaction) []CategoryShare {
	totals := make(map[string]float64)
	var total float64
	for _, t := range countable(txns) {
		if t.Direction != domain.DirectionOutflow {
			continue
		}
		totals[t.CategoryOr(UncategorizedLabel)] += t.Amount
		total += t.Amount
	}

	shares := make([]CategoryShare, 0, len(totals))
	for cat, amount := range totals {
		share := CategoryShare{Category: cat, Amount: amount}
		if total != 0 {
			share.PercentageOfExpense = amount / total
		}
		shares = append(shares, share)
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Amount != shares[j].Amount {
			return shares[i].Amount > shares[j].Amount
		}
		return shares[i].Category < shares[j].Category
	})
	return shares
}

// ComputeCredit looks at credit card channel transactions.
func ComputeCredit(txns []domain.Transaction) CreditMetrics {
	all := countable(txns)

	var spend, payments float64
	var credit CreditMetrics
	for _, t := range all {
		if t.Source != domain.SourceCreditCard {
			continue
		}
		if t.Direction == domain.DirectionInflow {
			payments += t.Amount
			continue
		}
		spend += t.Amount
		if t.IsInterest {
			credit.InterestPaid += t.Amount
		}
		if t.IsFee {
			credit.FeesPaid += t.Amount
		}
	}

	totalOutflow := sumDirection(all, domain.DirectionOutflow)
	if totalOutflow == 0 {
		totalOutflow = 1
	}

	credit.TotalCreditSpend = spend
	credit.CreditSpendRatio = spend / totalOutflow
	credit.RevolvingDetected = spend > revolvingFactor*payments
	return credit
}

// groupByMerchant sums amounts of dir per merchant.
func groupByMerchant(txns []domain.Transaction, dir domain.Direction) (sources map[string]float64, dependence, spread float64) {
	sources = make(map[string]float64)
	for _, t := range countable(txns) {
		if t.Direction == dir {
			sources[t.MerchantOr(UnknownSourceLabel)] += t.Amount
		}
	}

	values := make([]float64, 0, len(sources))
	var total, largest float64
	for _, k := range sortedKeys(sources) {
		v := sources[k]
		values = append(values, v)
		total += v
		if v > largest {
			largest = v
		}
	}
	if total != 0 {
		dependence = largest / total
	}
	return sources, dependence, stdDev(values)
}

// ComputeIncomeSources groups inflow by merchant.
func ComputeIncomeSources(txns []domain.Transaction) IncomeSources {
	sources, dependence, spread := groupByMerchant(txns, domain.DirectionInflow)
	return IncomeSources{Sources: sources, DependenceOnSingleSource: dependence, IncomeConsistency: spread}
}

// ComputeExpenseSources groups outflow by merchant.
func ComputeExpenseSources(txns []domain.Transaction) ExpenseSources {
	sources, dependence, spread := groupByMerchant(txns, domain.DirectionOutflow)
	return ExpenseSources{Sources: sources, DependenceOnSingleSource: dependence, ExpenseVolatility: spread}
}

// ComputeMonthlyMetrics returns one row per month in ascending order.
func ComputeMonthlyMetrics(txns []domain.Transaction) []MonthlyMetrics {
	cf := ComputeCashflow(txns)
	out := make([]MonthlyMetrics, 0, len(cf.Months))
	for _, m := range cf.Months {
		row := MonthlyMetrics{
			Month:    m.Month,
			Income:   m.Inflow,
			Expenses: m.Outflow,
			Savings:  m.NetCashFlow,
			BurnRate: m.Outflow,
		}
		if m.Inflow != 0 {
			row.SavingsRate = m.NetCashFlow / m.Inflow
		}
		out = append(out, row)
	}
	return out
}
