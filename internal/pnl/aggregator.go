package pnl

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
)

type SettlementSource interface {
	ListSettlementsBySales(ctx context.Context, saleIDs []string) ([]domain.SettlementRecord, error)
}

// Aggregator computes profit reports. It only reads, so a report can be
// cancelled and recomputed at any point.
type Aggregator struct {
	sales       store.SalesReadModel
	expenses    store.ExpenseSource
	settlements SettlementSource
	categories  CategoryConfig
}

func New(sales store.SalesReadModel, expenses store.ExpenseSource, settlements SettlementSource, categories CategoryConfig) *Aggregator {
	return &Aggregator{
		sales:       sales,
		expenses:    expenses,
		settlements: settlements,
		categories:  categories,
	}
}

type reportOptions struct {
	settledAsOf *time.Time
}

type ReportOption func(*reportOptions)

// WithSettledAsOf treats a settlement as paid only if it was paid at or
// before t, which reproduces what a report run at t showed.
func WithSettledAsOf(t time.Time) ReportOption {
	return func(o *reportOptions) {
		at := t.UTC()
		o.settledAsOf = &at
	}
}

// ComputeReport aggregates sales completed and expenses incurred inside the
// half-open window. Unpaid consignment lines are left out of revenue and cost
// and reported as unsettled instead.
func (a *Aggregator) ComputeReport(ctx context.Context, window domain.Window, opts ...ReportOption) (domain.PnLReport, error) {
	if window.From.After(window.To) {
		return domain.PnLReport{}, &store.ValidationError{Field: "window", Reason: "from must not be after to"}
	}
	var options reportOptions
	for _, opt := range opts {
		opt(&options)
	}
	if err := ctx.Err(); err != nil {
		return domain.PnLReport{}, err
	}

	var (
		sales    []domain.Sale
		expenses []domain.ExpenseRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = a.sales.ListSalesCompleted(gctx, window.From, window.To)
		return err
	})
	g.Go(func() error {
		var err error
		expenses, err = a.expenses.ListExpenses(gctx, window.From, window.To)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.PnLReport{}, err
	}

	sales = slices.DeleteFunc(sales, func(s domain.Sale) bool { return !window.Contains(s.CompletedAt) })
	expenses = slices.DeleteFunc(expenses, func(e domain.ExpenseRecord) bool { return !window.Contains(e.IncurredAt) })
	slices.SortFunc(sales, func(x, y domain.Sale) int {
		if c := x.CompletedAt.Compare(y.CompletedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})

	settled, err := a.loadSettlements(ctx, sales)
	if err != nil {
		return domain.PnLReport{}, err
	}

	b := newBuilder(a.categories.resolver(), settled, options.settledAsOf)
	for i, sale := range sales {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return domain.PnLReport{}, err
			}
		}
		b.addSale(sale)
	}
	for _, e := range expenses {
		b.addExpense(e)
	}

	report := b.build()
	report.Window = domain.Window{From: window.From.UTC(), To: window.To.UTC()}
	report.SettledAsOf = options.settledAsOf
	return report, nil
}

func (a *Aggregator) loadSettlements(ctx context.Context, sales []domain.Sale) (map[string]domain.SettlementRecord, error) {
	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		for _, line := range sale.Lines {
			if line.Kind == domain.LineConsignment {
				ids = append(ids, sale.ID)
				break
			}
		}
	}
	out := make(map[string]domain.SettlementRecord)
	if len(ids) == 0 {
		return out, nil
	}
	records, err := a.settlements.ListSettlementsBySales(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[domain.SettlementKey(r.SaleID, r.ProductID)] = r
	}
	return out, nil
}

type builder struct {
	categories  categoryResolver
	settled     map[string]domain.SettlementRecord
	settledAsOf *time.Time

	report   domain.PnLReport
	byCat    map[string]*domain.CategoryBreakdown
	byProd   map[string]*domain.ProductBreakdown
	byStaff  map[string]*domain.StaffBreakdown
	expenses map[expenseKey]int64
}

type expenseKey struct {
	category string
	isCOGS   bool
}

func newBuilder(categories categoryResolver, settled map[string]domain.SettlementRecord, settledAsOf *time.Time) *builder {
	return &builder{
		categories:  categories,
		settled:     settled,
		settledAsOf: settledAsOf,
		byCat:       make(map[string]*domain.CategoryBreakdown),
		byProd:      make(map[string]*domain.ProductBreakdown),
		byStaff:     make(map[string]*domain.StaffBreakdown),
		expenses:    make(map[expenseKey]int64),
	}
}

func (b *builder) isPaid(r domain.SettlementRecord) bool {
	if b.settledAsOf != nil {
		return r.PaidBy(*b.settledAsOf)
	}
	return r.Paid()
}

func (b *builder) addSale(sale domain.Sale) {
	b.report.SaleCount++
	staff := b.staff(sale.StaffID)
	staff.SaleCount++

	shares := allocateDiscount(sale.Discount, sale.Lines)
	for i, line := range sale.Lines {
		revenue := line.Gross() - line.Discount - shares[i]
		category := b.categories.resolve(line.Category)
		cat := b.category(category)
		prod := b.product(line.ProductID, category)

		var cost int64
		switch line.Kind {
		case domain.LinePartExchange:
			cost = line.Quantity * line.Allowance
		case domain.LineConsignment:
			record, ok := b.settled[domain.SettlementKey(sale.ID, line.ProductID)]
			if !ok || !b.isPaid(record) {
				nominal := line.Quantity * line.UnitCost
				if ok {
					nominal = line.Quantity * record.PayoutAmount
				}
				b.report.UnsettledConsignmentValue += nominal
				b.report.UnsettledConsignmentRevenue += revenue
				cat.UnsettledValue += nominal
				prod.UnsettledValue += nominal
				continue
			}
			cost = line.Quantity * record.PayoutAmount
		default:
			cost = line.Quantity * line.UnitCost
		}

		b.report.Revenue += revenue
		b.report.COGS += cost

		cat.Quantity += line.Quantity
		cat.Revenue += revenue
		cat.COGS += cost

		prod.Quantity += line.Quantity
		prod.Revenue += revenue
		prod.COGS += cost

		staff.Revenue += revenue
		staff.COGS += cost
	}
}

func (b *builder) addExpense(e domain.ExpenseRecord) {
	key := expenseKey{category: normalizeCategory(e.Category), isCOGS: e.IsCOGS}
	if key.category == "" {
		key.category = defaultFallback
	}
	b.expenses[key] += e.Amount
	if !e.IsCOGS {
		b.report.OperatingExpenses += e.Amount
	}
}

func (b *builder) category(name string) *domain.CategoryBreakdown {
	row, ok := b.byCat[name]
	if !ok {
		row = &domain.CategoryBreakdown{Category: name}
		b.byCat[name] = row
	}
	return row
}

func (b *builder) product(id string, category string) *domain.ProductBreakdown {
	row, ok := b.byProd[id]
	if !ok {
		row = &domain.ProductBreakdown{ProductID: id, Category: category}
		b.byProd[id] = row
	}
	return row
}

func (b *builder) staff(id string) *domain.StaffBreakdown {
	row, ok := b.byStaff[id]
	if !ok {
		row = &domain.StaffBreakdown{StaffID: id}
		b.byStaff[id] = row
	}
	return row
}

func (b *builder) build() domain.PnLReport {
	report := b.report
	report.GrossProfit = report.Revenue - report.COGS
	report.NetProfit = report.GrossProfit - report.OperatingExpenses

	// Configured categories always appear, in configured order, followed by
	// the fallback row when anything landed there.
	report.Categories = make([]domain.CategoryBreakdown, 0, len(b.byCat)+len(b.categories.order))
	if b.categories.open {
		names := make([]string, 0, len(b.byCat))
		for name := range b.byCat {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			report.Categories = append(report.Categories, finishCategory(*b.byCat[name]))
		}
	} else {
		for _, name := range b.categories.order {
			row := domain.CategoryBreakdown{Category: name}
			if existing, ok := b.byCat[name]; ok {
				row = *existing
			}
			report.Categories = append(report.Categories, finishCategory(row))
		}
		if row, ok := b.byCat[b.categories.fallback]; ok && !slices.Contains(b.categories.order, b.categories.fallback) {
			report.Categories = append(report.Categories, finishCategory(*row))
		}
	}

	report.Products = make([]domain.ProductBreakdown, 0, len(b.byProd))
	for _, row := range b.byProd {
		row.GrossProfit = row.Revenue - row.COGS
		report.Products = append(report.Products, *row)
	}
	slices.SortFunc(report.Products, func(x, y domain.ProductBreakdown) int {
		return strings.Compare(x.ProductID, y.ProductID)
	})

	report.Staff = make([]domain.StaffBreakdown, 0, len(b.byStaff))
	for _, row := range b.byStaff {
		row.GrossProfit = row.Revenue - row.COGS
		report.Staff = append(report.Staff, *row)
	}
	slices.SortFunc(report.Staff, func(x, y domain.StaffBreakdown) int {
		return strings.Compare(x.StaffID, y.StaffID)
	})

	report.Expenses = make([]domain.ExpenseBreakdown, 0, len(b.expenses))
	for key, amount := range b.expenses {
		report.Expenses = append(report.Expenses, domain.ExpenseBreakdown{Category: key.category, IsCOGS: key.isCOGS, Amount: amount})
	}
	slices.SortFunc(report.Expenses, func(x, y domain.ExpenseBreakdown) int {
		if c := strings.Compare(x.Category, y.Category); c != 0 {
			return c
		}
		switch {
		case x.IsCOGS == y.IsCOGS:
			return 0
		case !x.IsCOGS:
			return -1
		}
		return 1
	})
	return report
}

func finishCategory(row domain.CategoryBreakdown) domain.CategoryBreakdown {
	row.GrossProfit = row.Revenue - row.COGS
	return row
}

// allocateDiscount spreads a sale-level discount over its lines in
// proportion to line gross. Integer remainders go to the lines with the
// largest fractional share, earliest line first on ties, so the shares
// always sum to the discount. Products are taken in decimal since
// discount × gross can exceed int64 for large sales.
func allocateDiscount(discount int64, lines []domain.SaleLine) []int64 {
	shares := make([]int64, len(lines))
	if discount == 0 || len(lines) == 0 {
		return shares
	}

	grosses := make([]decimal.Decimal, len(lines))
	total := decimal.Zero
	for i, line := range lines {
		grosses[i] = decimal.NewFromInt(line.Quantity).Mul(decimal.NewFromInt(line.UnitPrice))
		total = total.Add(grosses[i])
	}
	if !total.IsPositive() {
		shares[0] = discount
		return shares
	}

	amount := decimal.NewFromInt(discount)
	remainders := make([]decimal.Decimal, len(lines))
	var assigned int64
	for i := range lines {
		quotient, remainder := amount.Mul(grosses[i]).QuoRem(total, 0)
		shares[i] = quotient.IntPart()
		remainders[i] = remainder
		assigned += shares[i]
	}

	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(x, y int) int {
		return remainders[y].Cmp(remainders[x])
	})
	for left, k := discount-assigned, 0; left > 0; left, k = left-1, k+1 {
		shares[order[k%len(order)]]++
	}
	return shares
}
