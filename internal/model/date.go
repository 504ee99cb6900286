package model

import (
	"sort"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

// BuildDateDimension returns one dim_date row per distinct day, ordered.
func BuildDateDimension(dates []time.Time) *table.Table {
	out := table.New(DateDimensionName, table.KindDimension,
		table.Column{Name: ColDateKey, Type: table.TypeInt},
		table.Column{Name: "full_date", Type: table.TypeTimestamp},
		table.Column{Name: "year", Type: table.TypeInt},
		table.Column{Name: "quarter", Type: table.TypeInt},
		table.Column{Name: "month", Type: table.TypeInt},
		table.Column{Name: "month_name", Type: table.TypeString},
		table.Column{Name: "week_of_year", Type: table.TypeInt},
		table.Column{Name: "day_of_month", Type: table.TypeInt},
		table.Column{Name: "day_of_week", Type: table.TypeInt},
		table.Column{Name: "day_name", Type: table.TypeString},
		table.Column{Name: "is_weekend", Type: table.TypeBool},
		table.Column{Name: "is_month_start", Type: table.TypeBool},
		table.Column{Name: "is_month_end", Type: table.TypeBool},
	)

	seen := make(map[int64]bool, len(dates))
	days := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		u := d.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		if k := keys.DateKey(day); !seen[k] {
			seen[k] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, d := range days {
		_, week := d.ISOWeek()
		wd := d.Weekday()
		out.Append(table.Row{
			ColDateKey:       keys.DateKey(d),
			"full_date":      d,
			"year":           int64(d.Year()),
			"quarter":        int64((int(d.Month())-1)/3 + 1),
			"month":          int64(d.Month()),
			"month_name":     d.Month().String(),
			"week_of_year":   int64(week),
			"day_of_month":   int64(d.Day()),
			"day_of_week":    int64((int(wd) + 6) % 7), // Monday = 0
			"day_name":       wd.String(),
			"is_weekend":     wd == time.Saturday || wd == time.Sunday,
			"is_month_start": d.Day() == 1,
			"is_month_end":   d.AddDate(0, 0, 1).Day() == 1,
		})
	}
	return out
}
