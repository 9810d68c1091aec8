package writer

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Sternrassler/tweet-puller/pkg/record"
)

// appender appends one column value of a row to its builder.
type appender func(b array.Builder, r *record.Row)

func stringColumn(get func(*record.Row) *string) appender {
	return func(b array.Builder, r *record.Row) {
		sb := b.(*array.StringBuilder)
		if v := get(r); v != nil {
			sb.Append(*v)
		} else {
			sb.AppendNull()
		}
	}
}

func intColumn(get func(*record.Row) int64) appender {
	return func(b array.Builder, r *record.Row) {
		b.(*array.Int64Builder).Append(get(r))
	}
}

func boolColumn(get func(*record.Row) bool) appender {
	return func(b array.Builder, r *record.Row) {
		b.(*array.BooleanBuilder).Append(get(r))
	}
}

func listColumn(get func(*record.Row) []string) appender {
	return func(b array.Builder, r *record.Row) {
		lb := b.(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.StringBuilder)
		lb.Append(true)
		for _, s := range get(r) {
			vb.Append(s)
		}
	}
}

func createdAtColumn(b array.Builder, r *record.Row) {
	tb := b.(*array.TimestampBuilder)
	if r.CreatedAt == nil {
		tb.AppendNull()
		return
	}
	tb.Append(arrow.Timestamp(r.CreatedAt.UTC().UnixNano()))
}

var appenders = map[string]appender{
	record.ColID:                stringColumn(func(r *record.Row) *string { return r.ID }),
	record.ColText:              stringColumn(func(r *record.Row) *string { return r.Text }),
	record.ColFullText:          stringColumn(func(r *record.Row) *string { return r.FullText }),
	record.ColCreatedAt:         createdAtColumn,
	record.ColLang:              stringColumn(func(r *record.Row) *string { return r.Lang }),
	record.ColUserID:            stringColumn(func(r *record.Row) *string { return r.UserID }),
	record.ColUserScreenName:    stringColumn(func(r *record.Row) *string { return r.UserScreenName }),
	record.ColUserName:          stringColumn(func(r *record.Row) *string { return r.UserName }),
	record.ColFavoriteCount:     intColumn(func(r *record.Row) int64 { return r.FavoriteCount }),
	record.ColFavorited:         boolColumn(func(r *record.Row) bool { return r.Favorited }),
	record.ColRetweetCount:      intColumn(func(r *record.Row) int64 { return r.RetweetCount }),
	record.ColReplyCount:        intColumn(func(r *record.Row) int64 { return r.ReplyCount }),
	record.ColQuoteCount:        intColumn(func(r *record.Row) int64 { return r.QuoteCount }),
	record.ColViewCount:         intColumn(func(r *record.Row) int64 { return r.ViewCount }),
	record.ColBookmarkCount:     intColumn(func(r *record.Row) int64 { return r.BookmarkCount }),
	record.ColBookmarked:        boolColumn(func(r *record.Row) bool { return r.Bookmarked }),
	record.ColHashtags:          listColumn(func(r *record.Row) []string { return r.Hashtags }),
	record.ColURLs:              listColumn(func(r *record.Row) []string { return r.URLs }),
	record.ColMedia:             stringColumn(func(r *record.Row) *string { return r.Media }),
	record.ColHasCard:           boolColumn(func(r *record.Row) bool { return r.HasCard }),
	record.ColIsQuoteStatus:     boolColumn(func(r *record.Row) bool { return r.IsQuoteStatus }),
	record.ColPossiblySensitive: boolColumn(func(r *record.Row) bool { return r.PossiblySensitive }),
	record.ColIsTranslatable:    boolColumn(func(r *record.Row) bool { return r.IsTranslatable }),
	record.ColInReplyTo:         stringColumn(func(r *record.Row) *string { return r.InReplyTo }),
	record.ColConversationID:    stringColumn(func(r *record.Row) *string { return r.ConversationID }),
	record.ColPlace:             stringColumn(func(r *record.Row) *string { return r.Place }),
	record.ColSource:            stringColumn(func(r *record.Row) *string { return r.Source }),
}

// buildRecord converts rows into an arrow record with the output schema.
// The caller must release the returned record.
func buildRecord(mem memory.Allocator, schema *arrow.Schema, rows []record.Row) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	fields := schema.Fields()
	columns := make([]appender, len(fields))
	for i, f := range fields {
		app, ok := appenders[f.Name]
		if !ok {
			return nil, fmt.Errorf("no column writer for field %q", f.Name)
		}
		columns[i] = app
	}

	for i := range rows {
		for j, app := range columns {
			app(b.Field(j), &rows[i])
		}
	}
	return b.NewRecord(), nil
}
