package record

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Output column names.
const (
	ColID                = "id"
	ColText              = "text"
	ColFullText          = "full_text"
	ColCreatedAt         = "created_at"
	ColLang              = "lang"
	ColUserID            = "user_id"
	ColUserScreenName    = "user_screen_name"
	ColUserName          = "user_name"
	ColFavoriteCount     = "favorite_count"
	ColFavorited         = "favorited"
	ColRetweetCount      = "retweet_count"
	ColReplyCount        = "reply_count"
	ColQuoteCount        = "quote_count"
	ColViewCount         = "view_count"
	ColBookmarkCount     = "bookmark_count"
	ColBookmarked        = "bookmarked"
	ColHashtags          = "hashtags"
	ColURLs              = "urls"
	ColMedia             = "media"
	ColHasCard           = "has_card"
	ColIsQuoteStatus     = "is_quote_status"
	ColPossiblySensitive = "possibly_sensitive"
	ColIsTranslatable    = "is_translatable"
	ColInReplyTo         = "in_reply_to"
	ColConversationID    = "conversation_id"
	ColPlace             = "place"
	ColSource            = "source"
)

// Kind is the logical type of an output column.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindTimestamp
	KindStringList
)

// Column describes one column of the output schema.
type Column struct {
	Name string
	Kind Kind
}

// Columns is the fixed, ordered output schema.
var Columns = []Column{
	{ColID, KindString},
	{ColText, KindString},
	{ColFullText, KindString},
	{ColCreatedAt, KindTimestamp},
	{ColLang, KindString},
	{ColUserID, KindString},
	{ColUserScreenName, KindString},
	{ColUserName, KindString},
	{ColFavoriteCount, KindInt},
	{ColFavorited, KindBool},
	{ColRetweetCount, KindInt},
	{ColReplyCount, KindInt},
	{ColQuoteCount, KindInt},
	{ColViewCount, KindInt},
	{ColBookmarkCount, KindInt},
	{ColBookmarked, KindBool},
	{ColHashtags, KindStringList},
	{ColURLs, KindStringList},
	{ColMedia, KindString},
	{ColHasCard, KindBool},
	{ColIsQuoteStatus, KindBool},
	{ColPossiblySensitive, KindBool},
	{ColIsTranslatable, KindBool},
	{ColInReplyTo, KindString},
	{ColConversationID, KindString},
	{ColPlace, KindString},
	{ColSource, KindString},
}

var columnKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(Columns))
	for _, c := range Columns {
		m[c.Name] = c.Kind
	}
	return m
}()

// KindOf returns the kind of a schema column and whether the column exists.
func KindOf(name string) (Kind, bool) {
	k, ok := columnKinds[name]
	return k, ok
}

// ArrowSchema returns the arrow schema of the output file.
// Strings and timestamps are nullable; integers, booleans and lists are not.
func ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, len(Columns))
	for _, c := range Columns {
		fields = append(fields, arrowField(c))
	}
	return arrow.NewSchema(fields, nil)
}

func arrowField(c Column) arrow.Field {
	switch c.Kind {
	case KindInt:
		return arrow.Field{Name: c.Name, Type: arrow.PrimitiveTypes.Int64}
	case KindBool:
		return arrow.Field{Name: c.Name, Type: arrow.FixedWidthTypes.Boolean}
	case KindTimestamp:
		return arrow.Field{Name: c.Name, Type: &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}, Nullable: true}
	case KindStringList:
		return arrow.Field{Name: c.Name, Type: arrow.ListOf(arrow.BinaryTypes.String)}
	default:
		return arrow.Field{Name: c.Name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
}
