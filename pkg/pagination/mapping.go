package pagination

import (
	"strings"

	"github.com/Sternrassler/tweet-puller/pkg/record"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
)

// Field sources, tried in order. Dotted paths walk nested objects.
var (
	idPaths             = []string{"id_str", "id", "rest_id"}
	createdAtPaths      = []string{"created_at_datetime", "created_at", "date"}
	fullTextPaths       = []string{"full_text", "note_tweet.text", "text"}
	userIDPaths         = []string{"user.id_str", "user.id", "author.id", "author_id"}
	userScreenNamePaths = []string{"user.screen_name", "user.username", "author.username", "author.screen_name"}
	userNamePaths       = []string{"user.name", "author.name"}
	inReplyToPaths      = []string{"in_reply_to_status_id_str", "in_reply_to_status_id", "in_reply_to"}
	mediaPaths          = []string{"entities.media", "extended_entities.media", "media"}

	countPaths = map[string][]string{
		record.ColFavoriteCount: {"favorite_count", "public_metrics.like_count"},
		record.ColRetweetCount:  {"retweet_count", "public_metrics.retweet_count"},
		record.ColReplyCount:    {"reply_count", "public_metrics.reply_count"},
		record.ColQuoteCount:    {"quote_count", "public_metrics.quote_count"},
		record.ColViewCount:     {"view_count", "views.count", "public_metrics.impression_count"},
		record.ColBookmarkCount: {"bookmark_count", "public_metrics.bookmark_count"},
	}

	passthrough = []string{
		record.ColText,
		record.ColLang,
		record.ColFavorited,
		record.ColBookmarked,
		record.ColHasCard,
		record.ColIsQuoteStatus,
		record.ColPossiblySensitive,
		record.ColIsTranslatable,
		record.ColConversationID,
		record.ColPlace,
		record.ColSource,
	}
)

// MapItem converts a raw remote item into a Record. Only schema columns are
// produced; absent sources leave the column unset so normalization applies
// its defaults.
func MapItem(item remote.Item) record.Record {
	rec := make(record.Record, len(record.Columns))

	set := func(col string, v any) {
		if !empty(v) {
			rec[col] = v
		}
	}

	set(record.ColID, first(item, idPaths...))
	for _, col := range passthrough {
		set(col, lookup(item, col))
	}
	set(record.ColFullText, first(item, fullTextPaths...))
	set(record.ColCreatedAt, createdAt(item))

	set(record.ColUserID, first(item, userIDPaths...))
	set(record.ColUserScreenName, first(item, userScreenNamePaths...))
	set(record.ColUserName, first(item, userNamePaths...))

	for col, paths := range countPaths {
		set(col, first(item, paths...))
	}

	set(record.ColHashtags, collect(lookup(item, "entities.hashtags"), "text", "tag"))
	set(record.ColURLs, collect(lookup(item, "entities.urls"), "expanded_url", "url"))
	set(record.ColMedia, first(item, mediaPaths...))
	set(record.ColInReplyTo, first(item, inReplyToPaths...))

	return rec
}

// createdAt returns the first source that parses as a timestamp.
func createdAt(item remote.Item) any {
	for _, path := range createdAtPaths {
		v := lookup(item, path)
		if empty(v) {
			continue
		}
		if t, err := record.ParseTime(v); err == nil {
			return t
		}
	}
	return nil
}

// lookup walks a dotted path through nested objects.
func lookup(item map[string]any, path string) any {
	var cur any = item
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// first returns the first non-empty value among paths.
func first(item map[string]any, paths ...string) any {
	for _, path := range paths {
		if v := lookup(item, path); !empty(v) {
			return v
		}
	}
	return nil
}

// collect extracts one string per element of a list of objects, taking the
// first non-empty key.
func collect(v any, keys ...string) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(list))
	for _, el := range list {
		switch e := el.(type) {
		case string:
			out = append(out, e)
		default:
			m, ok := asMap(e)
			if !ok {
				continue
			}
			for _, key := range keys {
				if s, ok := m[key].(string); ok && s != "" {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case remote.Item:
		return m, true
	default:
		return nil, false
	}
}

func empty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	default:
		return false
	}
}
