package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll fetches every page matching filter, following cursors.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "notion: query all")
		}
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			req.PageSize = filter.PageSize
		}
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

// QueryBySelect fetches every page whose select property equals value.
func QueryBySelect(ctx context.Context, c Client, dbID, property, value string) ([]notionapi.Page, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: property,
			Select:   &notionapi.SelectFilterCondition{Equals: value},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query %s = %s", property, value)
	}
	return pages, nil
}

// Title builds a title property.
func Title(s string) *notionapi.TitleProperty {
	return &notionapi.TitleProperty{Title: richText(s)}
}

// Text builds a rich text property.
func Text(s string) *notionapi.RichTextProperty {
	return &notionapi.RichTextProperty{RichText: richText(s)}
}

// Select builds a select property.
func Select(name string) *notionapi.SelectProperty {
	return &notionapi.SelectProperty{Select: notionapi.Option{Name: name}}
}

// Number builds a number property.
func Number(v float64) *notionapi.NumberProperty {
	return &notionapi.NumberProperty{Number: v}
}

// Notion caps a rich text element at 2000 characters.
const maxTextLen = 2000

func richText(s string) []notionapi.RichText {
	if r := []rune(s); len(r) > maxTextLen {
		s = string(r[:maxTextLen])
	}
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

// PlainText reads a title or rich text property as plain text. Missing
// properties read as "".
func PlainText(props notionapi.Properties, name string) string {
	var parts []notionapi.RichText
	switch p := props[name].(type) {
	case *notionapi.TitleProperty:
		parts = p.Title
	case *notionapi.RichTextProperty:
		parts = p.RichText
	default:
		return ""
	}
	var b strings.Builder
	for _, rt := range parts {
		if rt.PlainText != "" {
			b.WriteString(rt.PlainText)
		} else if rt.Text != nil {
			b.WriteString(rt.Text.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// SelectName reads the chosen option of a select property.
func SelectName(props notionapi.Properties, name string) string {
	if p, ok := props[name].(*notionapi.SelectProperty); ok {
		return p.Select.Name
	}
	return ""
}
