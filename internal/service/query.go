package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// RecentQuery filters GetRecent. Empty filters are ignored.
type RecentQuery struct {
	UserID  string
	Channel string
	Status  string
	Limit   int
	Page    int
}

// RecentPage is one page of a tenant's notifications, newest first.
type RecentPage struct {
	Data     []*db.Notification `json:"data"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	Limit    int                `json:"limit"`
	LastPage int                `json:"last_page"`
}

// SummaryQuery scopes GetSummary. A nil Since counts everything.
type SummaryQuery struct {
	Since     *time.Time
	ByChannel bool
}

// GetRecent lists a tenant's notifications. Limit is clamped to 1..100
// (default 20) and Page to >= 1.
func (s *Service) GetRecent(ctx context.Context, tenantID string, q RecentQuery) (*RecentPage, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	filter := db.RecentFilter{TenantID: tenantID, UserID: q.UserID, Channel: q.Channel}
	if q.Status != "" {
		status, err := db.ParseStatus(q.Status)
		if err != nil {
			return nil, &ValidationError{Fields: map[string]string{"status": err.Error()}}
		}
		filter.Status = status
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	page := max(q.Page, 1)

	name := "recent:" + url.Values{
		"u": {q.UserID},
		"c": {q.Channel},
		"s": {string(filter.Status)},
		"l": {strconv.Itoa(limit)},
		"p": {strconv.Itoa(page)},
	}.Encode()
	return remember(ctx, s, tenantID, name, s.config.RecentCacheTTL, func(ctx context.Context) (*RecentPage, error) {
		data, total, err := s.repo.ListRecent(ctx, filter, limit, (page-1)*limit)
		if err != nil {
			return nil, fmt.Errorf("list recent notifications: %w", err)
		}
		return &RecentPage{
			Data:     data,
			Total:    total,
			Page:     page,
			Limit:    limit,
			LastPage: max(1, (total+limit-1)/limit),
		}, nil
	})
}

// GetSummary counts a tenant's notifications by status. CountsByStatus
// always holds every status.
func (s *Service) GetSummary(ctx context.Context, tenantID string, q SummaryQuery) (*db.Summary, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	since := "all"
	if q.Since != nil {
		since = q.Since.UTC().Format(time.RFC3339Nano)
	}
	name := "summary:" + url.Values{
		"since":      {since},
		"by_channel": {strconv.FormatBool(q.ByChannel)},
	}.Encode()

	return remember(ctx, s, tenantID, name, s.config.SummaryCacheTTL, func(ctx context.Context) (*db.Summary, error) {
		summary, err := s.repo.Summarize(ctx, tenantID, q.Since, q.ByChannel)
		if err != nil {
			return nil, fmt.Errorf("summarize notifications: %w", err)
		}
		return summary, nil
	})
}
