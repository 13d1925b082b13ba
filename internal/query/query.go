// Package query filters and orders one owner's tasks.
package query

import (
	"cmp"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
)

// DateLayout is the calendar-day format accepted by date filters.
const DateLayout = "2006-01-02"

// Field is a sortable task attribute.
type Field string

const (
	FieldID          Field = "id"
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldPriority    Field = "priority"
	FieldStatus      Field = "status"
	FieldCreatedAt   Field = "createdAt"
	FieldCompletedAt Field = "completedAt"
)

var columns = map[Field]string{
	FieldID:          "id",
	FieldTitle:       "title",
	FieldDescription: "description",
	FieldPriority:    "priority",
	FieldStatus:      "status",
	FieldCreatedAt:   "created_at",
	FieldCompletedAt: "completed_at",
}

// Column is the storage column backing the field.
func (f Field) Column() string { return columns[f] }

// Order is one order-by criterion.
type Order struct {
	Field Field
	Desc  bool
}

// SQL renders the criterion as an ORDER BY term. Missing values sort first
// ascending and last descending.
func (o Order) SQL() string {
	if o.Desc {
		return o.Field.Column() + " DESC NULLS LAST"
	}
	return o.Field.Column() + " ASC NULLS FIRST"
}

// DateRange is the half-open interval [From, To).
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether at falls inside the range.
func (r DateRange) Contains(at time.Time) bool {
	return !at.Before(r.From) && at.Before(r.To)
}

// Query holds the optional criteria. The zero value matches everything.
type Query struct {
	Status    *model.Status
	Priority  *int
	Search    string
	Created   *DateRange
	Completed *DateRange
	OrderBy   []Order
}

// Parse reads criteria from URL query values: status, priority, search,
// createdAt, completedAt and orderBy (repeatable or comma separated).
func Parse(v url.Values) (Query, error) {
	var q Query

	if s := v.Get("status"); s != "" {
		status, err := model.ParseStatus(s)
		if err != nil {
			return q, err
		}
		q.Status = &status
	}

	if s := v.Get("priority"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil || p < model.MinPriority || p > model.MaxPriority {
			return q, model.InvalidArgumentf("priority must be an integer between %d and %d", model.MinPriority, model.MaxPriority)
		}
		q.Priority = &p
	}

	q.Search = strings.TrimSpace(v.Get("search"))

	var err error
	if q.Created, err = parseOptionalRange(v.Get("createdAt")); err != nil {
		return q, err
	}
	if q.Completed, err = parseOptionalRange(v.Get("completedAt")); err != nil {
		return q, err
	}

	for _, raw := range v["orderBy"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			o, err := ParseOrder(part)
			if err != nil {
				return q, err
			}
			q.OrderBy = append(q.OrderBy, o)
		}
	}
	return q, nil
}

// ParseOrder parses "field direction" where direction is asc or desc.
func ParseOrder(s string) (Order, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Order{}, model.InvalidArgumentf("order by %q: want \"field asc|desc\"", s)
	}
	f := Field(parts[0])
	if _, ok := columns[f]; !ok {
		return Order{}, model.InvalidArgumentf("order by %q: unknown field %q", s, parts[0])
	}
	switch strings.ToLower(parts[1]) {
	case "asc":
		return Order{Field: f}, nil
	case "desc":
		return Order{Field: f, Desc: true}, nil
	}
	return Order{}, model.InvalidArgumentf("invalid sorting direction %q, use \"asc\" or \"desc\"", parts[1])
}

// ParseDateRange accepts "YYYY-MM-DD" for one whole day or
// "YYYY-MM-DD..YYYY-MM-DD" for an inclusive run of days, in UTC.
func ParseDateRange(s string) (DateRange, error) {
	from, to, isRange := strings.Cut(s, "..")
	start, err := time.Parse(DateLayout, strings.TrimSpace(from))
	if err != nil {
		return DateRange{}, model.InvalidArgumentf("invalid date %q, use %s", from, DateLayout)
	}
	end := start
	if isRange {
		if end, err = time.Parse(DateLayout, strings.TrimSpace(to)); err != nil {
			return DateRange{}, model.InvalidArgumentf("invalid date %q, use %s", to, DateLayout)
		}
		if end.Before(start) {
			return DateRange{}, model.InvalidArgumentf("date range %q ends before it starts", s)
		}
	}
	return DateRange{From: start, To: end.AddDate(0, 0, 1)}, nil
}

func parseOptionalRange(s string) (*DateRange, error) {
	if s == "" {
		return nil, nil
	}
	r, err := ParseDateRange(s)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Match reports whether t satisfies every criterion. Ownership is the
// caller's concern.
func (q Query) Match(t *model.Task) bool {
	if q.Status != nil && t.Status != *q.Status {
		return false
	}
	if q.Priority != nil && t.Priority != *q.Priority {
		return false
	}
	if q.Search != "" {
		needle := Fold(q.Search)
		if !strings.Contains(Fold(t.Title), needle) &&
			!strings.Contains(Fold(t.Description), needle) {
			return false
		}
	}
	if q.Created != nil && !q.Created.Contains(t.CreatedAt) {
		return false
	}
	if q.Completed != nil && (t.CompletedAt == nil || !q.Completed.Contains(*t.CompletedAt)) {
		return false
	}
	return true
}

// Sort orders tasks by the criteria in priority order. Ties keep their
// incoming order.
func (q Query) Sort(tasks []*model.Task) {
	if len(q.OrderBy) == 0 {
		return
	}
	slices.SortStableFunc(tasks, func(a, b *model.Task) int {
		for _, o := range q.OrderBy {
			c := compare(o.Field, a, b)
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

func compare(f Field, a, b *model.Task) int {
	switch f {
	case FieldID:
		return cmp.Compare(a.ID, b.ID)
	case FieldTitle:
		return cmp.Compare(a.Title, b.Title)
	case FieldDescription:
		return cmp.Compare(a.Description, b.Description)
	case FieldPriority:
		return cmp.Compare(a.Priority, b.Priority)
	case FieldStatus:
		return cmp.Compare(a.Status, b.Status)
	case FieldCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case FieldCompletedAt:
		switch {
		case a.CompletedAt == nil && b.CompletedAt == nil:
			return 0
		case a.CompletedAt == nil:
			return -1
		case b.CompletedAt == nil:
			return 1
		}
		return a.CompletedAt.Compare(*b.CompletedAt)
	}
	return 0
}

// LikePattern builds a case-folded substring pattern for SQL LIKE with '\'
// as the escape character.
func LikePattern(search string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(Fold(search)) + "%"
}

// Fold is the case folding used by search. SQL stores persist folded copies
// of title and description so every dialect compares the same bytes.
func Fold(s string) string {
	return strings.ToLower(s)
}
