package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AnalyticsService struct {
	customers *repository.CustomerRepository
	logs      *repository.UsageLogRepository
	summaries *repository.SummaryRepository
	clock     clock.Clock
}

func NewAnalyticsService(customers *repository.CustomerRepository, logs *repository.UsageLogRepository, summaries *repository.SummaryRepository, clk clock.Clock) *AnalyticsService {
	return &AnalyticsService{
		customers: customers,
		logs:      logs,
		summaries: summaries,
		clock:     clk,
	}
}

// Holds traffic analytics over a time range
type AnalyticsSummary struct {
	TotalRequests   int64                      `json:"total_requests"`
	AvgResponseTime float64                    `json:"avg_response_time_ms"`
	ErrorRate       float64                    `json:"error_rate"`
	SuccessRate     float64                    `json:"success_rate"`
	ClientErrorRate float64                    `json:"client_error_rate"`
	ServerErrorRate float64                    `json:"server_error_rate"`
	TopEndpoints    []repository.EndpointCount `json:"top_endpoints"`
}

// Retrieves analytics summary for a time range
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{TopEndpoints: []repository.EndpointCount{}}

	totalRequests, err := s.logs.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = totalRequests

	if totalRequests == 0 {
		return summary, nil
	}

	avgResponseTime, err := s.logs.GetAverageResponseTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgResponseTime = avgResponseTime

	clientErrors, err := s.logs.CountByStatusCodeRange(ctx, 400, 499, from, to)
	if err != nil {
		return nil, err
	}

	serverErrors, err := s.logs.CountByStatusCodeRange(ctx, 500, 599, from, to)
	if err != nil {
		return nil, err
	}

	total := float64(totalRequests)
	summary.ErrorRate = float64(clientErrors+serverErrors) / total * 100
	summary.SuccessRate = 100 - summary.ErrorRate
	summary.ClientErrorRate = float64(clientErrors) / total * 100
	summary.ServerErrorRate = float64(serverErrors) / total * 100

	topEndpoints, err := s.logs.GetTopEndpoints(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopEndpoints = topEndpoints

	return summary, nil
}

type CustomerUsage struct {
	CustomerID    uuid.UUID       `json:"customer_id"`
	Name          string          `json:"name"`
	Tier          string          `json:"tier"`
	TotalRequests int64           `json:"total_requests"`
	TotalCost     decimal.Decimal `json:"total_cost"`
}

type Dashboard struct {
	Period          models.Period   `json:"period"`
	TotalCustomers  int64           `json:"total_customers"`
	ActiveCustomers int64           `json:"active_customers"`
	MonthlyRevenue  decimal.Decimal `json:"monthly_revenue"`
	MonthlyRequests int64           `json:"monthly_requests"`
	TopCustomers    []CustomerUsage `json:"top_customers"`
}

// Dashboard reports the current month from reconciled summaries, so it lags
// raw traffic by up to one reconcile interval.
func (s *AnalyticsService) Dashboard(ctx context.Context) (*Dashboard, error) {
	period := models.PeriodOf(s.clock.Now())

	total, active, err := s.customers.CountByActive(ctx)
	if err != nil {
		return nil, err
	}

	summaries, err := s.summaries.ListByPeriod(ctx, period)
	if err != nil {
		return nil, err
	}

	dashboard := &Dashboard{
		Period:          period,
		TotalCustomers:  total,
		ActiveCustomers: active,
		MonthlyRevenue:  decimal.Zero,
		TopCustomers:    make([]CustomerUsage, 0, min(len(summaries), 10)),
	}

	for i, summary := range summaries {
		dashboard.MonthlyRevenue = dashboard.MonthlyRevenue.Add(summary.TotalCost)
		dashboard.MonthlyRequests += summary.TotalRequests

		if i >= 10 {
			continue
		}
		usage := CustomerUsage{
			CustomerID:    summary.CustomerID,
			TotalRequests: summary.TotalRequests,
			TotalCost:     summary.TotalCost,
		}
		if summary.Customer != nil {
			usage.Name = summary.Customer.Name
			if summary.Customer.Tier != nil {
				usage.Tier = summary.Customer.Tier.Name
			}
		}
		dashboard.TopCustomers = append(dashboard.TopCustomers, usage)
	}

	return dashboard, nil
}
