package record

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
)

// Row is a schema-conformant record ready to be written.
// Nil pointers are written as nulls.
type Row struct {
	ID                *string
	Text              *string
	FullText          *string
	CreatedAt         *time.Time
	Lang              *string
	UserID            *string
	UserScreenName    *string
	UserName          *string
	FavoriteCount     int64
	Favorited         bool
	RetweetCount      int64
	ReplyCount        int64
	QuoteCount        int64
	ViewCount         int64
	BookmarkCount     int64
	Bookmarked        bool
	Hashtags          []string
	URLs              []string
	Media             *string
	HasCard           bool
	IsQuoteStatus     bool
	PossiblySensitive bool
	IsTranslatable    bool
	InReplyTo         *string
	ConversationID    *string
	Place             *string
	Source            *string
}

// Report lists what Normalize had to repair.
type Report struct {
	// Coerced holds columns whose value could not be converted and fell back to the default.
	Coerced []string
	// Unknown holds keys that are not part of the schema and were dropped.
	Unknown []string
}

// Empty reports whether nothing was repaired.
func (r Report) Empty() bool {
	return len(r.Coerced) == 0 && len(r.Unknown) == 0
}

// timeLayouts are tried in order by ParseTime.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RubyDate, // Mon Jan 02 15:04:05 -0700 2006, the legacy API format
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime converts a timestamp value into UTC time. Accepted inputs are
// time.Time, strings in one of the known layouts and unix seconds.
func ParseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case *time.Time:
		if val == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return val.UTC(), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case int64:
		return time.Unix(val, 0).UTC(), nil
	case int:
		return time.Unix(int64(val), 0).UTC(), nil
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	case json.Number:
		return ParseTime(val.String())
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// Normalize converts a validated record into a Row. Integers that cannot be
// parsed become 0, missing booleans become false, missing lists become empty,
// timestamps are parsed into UTC and unknown keys are dropped.
func Normalize(r Record) (Row, Report) {
	var rep Report
	n := normalizer{rec: r, rep: &rep}

	row := Row{
		ID:                n.str(ColID),
		Text:              n.str(ColText),
		FullText:          n.str(ColFullText),
		CreatedAt:         n.timestamp(ColCreatedAt),
		Lang:              n.str(ColLang),
		UserID:            n.str(ColUserID),
		UserScreenName:    n.str(ColUserScreenName),
		UserName:          n.str(ColUserName),
		FavoriteCount:     n.integer(ColFavoriteCount),
		Favorited:         n.boolean(ColFavorited),
		RetweetCount:      n.integer(ColRetweetCount),
		ReplyCount:        n.integer(ColReplyCount),
		QuoteCount:        n.integer(ColQuoteCount),
		ViewCount:         n.integer(ColViewCount),
		BookmarkCount:     n.integer(ColBookmarkCount),
		Bookmarked:        n.boolean(ColBookmarked),
		Hashtags:          n.list(ColHashtags),
		URLs:              n.list(ColURLs),
		Media:             n.jsonString(ColMedia),
		HasCard:           n.boolean(ColHasCard),
		IsQuoteStatus:     n.boolean(ColIsQuoteStatus),
		PossiblySensitive: n.boolean(ColPossiblySensitive),
		IsTranslatable:    n.boolean(ColIsTranslatable),
		InReplyTo:         n.str(ColInReplyTo),
		ConversationID:    n.str(ColConversationID),
		Place:             n.jsonString(ColPlace),
		Source:            n.str(ColSource),
	}

	for key := range r {
		if _, ok := columnKinds[key]; !ok {
			rep.Unknown = append(rep.Unknown, key)
		}
	}
	sort.Strings(rep.Unknown)

	return row, rep
}

type normalizer struct {
	rec Record
	rep *Report
}

func (n normalizer) coerced(col string) {
	n.rep.Coerced = append(n.rep.Coerced, col)
}

func (n normalizer) str(col string) *string {
	v, ok := n.rec[col]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(*string); ok {
		return s
	}
	s := stringValue(v)
	return &s
}

func (n normalizer) jsonString(col string) *string {
	v, ok := n.rec[col]
	if !ok || v == nil {
		return nil
	}
	switch v.(type) {
	case map[string]any, []any:
		data, err := gojson.Marshal(v)
		if err != nil {
			n.coerced(col)
			return nil
		}
		s := string(data)
		return &s
	default:
		return n.str(col)
	}
}

func (n normalizer) integer(col string) int64 {
	v, ok := n.rec[col]
	if !ok || v == nil {
		return 0
	}
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case uint64:
		if val > math.MaxInt64 {
			n.coerced(col)
			return 0
		}
		return int64(val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			n.coerced(col)
			return 0
		}
		return int64(val)
	case json.Number: // also go-json's Number, which is an alias
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return int64(f)
		}
		n.coerced(col)
		return 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			n.coerced(col)
			return 0
		}
		return i
	default:
		n.coerced(col)
		return 0
	}
}

func (n normalizer) boolean(col string) bool {
	v, ok := n.rec[col]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			n.coerced(col)
			return false
		}
		return b
	default:
		n.coerced(col)
		return false
	}
}

func (n normalizer) list(col string) []string {
	v, ok := n.rec[col]
	if !ok || v == nil {
		return []string{}
	}
	switch val := v.(type) {
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, stringValue(item))
		}
		return out
	case string:
		if val == "" {
			return []string{}
		}
		return []string{val}
	default:
		n.coerced(col)
		return []string{}
	}
}

func (n normalizer) timestamp(col string) *time.Time {
	v, ok := n.rec[col]
	if !ok || v == nil {
		return nil
	}
	t, err := ParseTime(v)
	if err != nil {
		n.coerced(col)
		return nil
	}
	return &t
}
