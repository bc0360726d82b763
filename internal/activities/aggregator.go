package activities

import (
	"fmt"
	"sort"

	"fitsync/internal/database"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 200
)

// Filters narrows the unified listing. Source limits the query to one
// provider; empty means both.
type Filters struct {
	Type   string
	From   *int64
	To     *int64
	Query  string
	Source string
}

// Item is one activity in the unified feed
type Item struct {
	Source           string   `json:"source"`
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	StartDate        int64    `json:"startDate"`
	Distance         *float64 `json:"distance,omitempty"`
	MovingTime       *int64   `json:"movingTime,omitempty"`
	ElapsedTime      *int64   `json:"elapsedTime,omitempty"`
	AverageSpeed     *float64 `json:"averageSpeed,omitempty"`
	MaxSpeed         *float64 `json:"maxSpeed,omitempty"`
	AverageHeartrate *float64 `json:"averageHeartrate,omitempty"`
	MaxHeartrate     *float64 `json:"maxHeartrate,omitempty"`
	Calories         *float64 `json:"calories,omitempty"`
	ElevationGain    *float64 `json:"elevationGain,omitempty"`
}

// Page is one page of the unified feed. TotalCount is the exact filtered
// count across sources, not an estimate.
type Page struct {
	Items      []Item `json:"items"`
	TotalCount int64  `json:"totalCount"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
}

// Aggregator merges per-provider activity tables into one feed
type Aggregator struct {
	db *database.DB
}

// NewAggregator creates an activity aggregator
func NewAggregator(db *database.DB) *Aggregator {
	return &Aggregator{db: db}
}

func (f Filters) sources() ([]string, error) {
	switch f.Source {
	case "", "all":
		return []string{database.ProviderGarmin, database.ProviderStrava}, nil
	case database.ProviderStrava, database.ProviderGarmin:
		return []string{f.Source}, nil
	default:
		return nil, fmt.Errorf("unknown source: %s", f.Source)
	}
}

func (f Filters) dbFilters() database.ActivityFilters {
	return database.ActivityFilters{
		ActivityType: f.Type,
		From:         f.From,
		To:           f.To,
		Query:        f.Query,
	}
}

// List returns one page of the merged feed, newest first. Each source is
// queried up to the page window, then merged and sliced; counts come from
// exact per-source counts so pagination stays consistent with TotalCount.
func (a *Aggregator) List(userID int64, page, pageSize int, f Filters) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	sources, err := f.sources()
	if err != nil {
		return nil, err
	}

	limit := page * pageSize
	dbf := f.dbFilters()

	var merged []Item
	var total int64
	for _, source := range sources {
		rows, err := a.db.ListActivities(source, userID, dbf, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			merged = append(merged, toItem(source, r))
		}

		count, err := a.db.CountActivities(source, userID, dbf)
		if err != nil {
			return nil, err
		}
		total += count
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].StartDate != merged[j].StartDate {
			return merged[i].StartDate > merged[j].StartDate
		}
		if merged[i].Source != merged[j].Source {
			return merged[i].Source < merged[j].Source
		}
		return merged[i].ID > merged[j].ID
	})

	offset := (page - 1) * pageSize
	if offset >= len(merged) {
		return &Page{Items: []Item{}, TotalCount: total, Page: page, PageSize: pageSize}, nil
	}
	end := offset + pageSize
	if end > len(merged) {
		end = len(merged)
	}

	return &Page{
		Items:      merged[offset:end],
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// Types returns the distinct activity types across both sources, sorted
// ascending
func (a *Aggregator) Types(userID int64) ([]string, error) {
	seen := make(map[string]bool)
	var types []string

	for _, source := range []string{database.ProviderGarmin, database.ProviderStrava} {
		sourceTypes, err := a.db.ActivityTypes(source, userID)
		if err != nil {
			return nil, err
		}
		for _, t := range sourceTypes {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}

	sort.Strings(types)
	return types, nil
}

func toItem(source string, r *database.RawActivity) Item {
	return Item{
		Source:           source,
		ID:               r.ProviderActivityID,
		Name:             r.Name,
		Type:             r.ActivityType,
		StartDate:        r.StartDate,
		Distance:         r.Distance,
		MovingTime:       r.MovingTime,
		ElapsedTime:      r.ElapsedTime,
		AverageSpeed:     r.AverageSpeed,
		MaxSpeed:         r.MaxSpeed,
		AverageHeartrate: r.AverageHeartrate,
		MaxHeartrate:     r.MaxHeartrate,
		Calories:         r.Calories,
		ElevationGain:    r.ElevationGain,
	}
}
