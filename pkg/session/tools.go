package session

import (
	"context"
	"fmt"

	"github.com/trustgate/trustgate/pkg/provider"
	"github.com/trustgate/trustgate/pkg/router"
)

// toolDef describes one entry of the universal tool catalog (spec §6).
// category is the provider-domain category the tool's router call targets
// (currently always "email" — the catalog names in §6 are email-only;
// calendar/task/notes/storage/system tools are not named by the spec, so
// they are not implemented, only the category registry itself is general).
type toolDef struct {
	name     string
	category string
	pluginID string // not set by any catalog entry; policy evaluation takes the plugin from the call's plugin_id argument
	// run returns the tool's wire-facing result, any fan-out metadata to
	// carry into the audit entry (nil for single-account tools), and an
	// error.
	run func(ctx context.Context, r *router.Router, args map[string]any) (any, *router.FanOutMeta, error)
}

const emailCategory = "email"

var catalog = map[string]toolDef{
	"list_emails": {
		name:     "list_emails",
		category: emailCategory,
		run: func(ctx context.Context, r *router.Router, args map[string]any) (any, *router.FanOutMeta, error) {
			params := provider.ListParams{
				MaxResults: intArg(args, "max_results", 0),
				Query:      stringArg(args, "query"),
			}
			if labels, ok := args["labels"].([]any); ok {
				for _, l := range labels {
					if s, ok := l.(string); ok {
						params.Labels = append(params.Labels, s)
					}
				}
			}
			if v, ok := args["isRead"].(bool); ok {
				params.IsRead = &v
			}
			recs, meta, err := r.List(ctx, emailCategory, params)
			if err != nil {
				return nil, nil, err
			}
			return recs, &meta, nil
		},
	},
	"read_email": {
		name:     "read_email",
		category: emailCategory,
		run: func(ctx context.Context, r *router.Router, args map[string]any) (any, *router.FanOutMeta, error) {
			id := stringArg(args, "email_id")
			if id == "" {
				return nil, nil, fmt.Errorf("email_id is required")
			}
			rec, err := r.Read(ctx, id)
			return rec, nil, err
		},
	},
	"send_email": {
		name:     "send_email",
		category: emailCategory,
		run: func(ctx context.Context, r *router.Router, args map[string]any) (any, *router.FanOutMeta, error) {
			params := provider.SendParams{
				To:       stringSliceArg(args, "to"),
				Subject:  stringArg(args, "subject"),
				Body:     stringArg(args, "body"),
				CC:       stringSliceArg(args, "cc"),
				BCC:      stringSliceArg(args, "bcc"),
				HTMLBody: stringArg(args, "htmlBody"),
				ReplyTo:  stringArg(args, "replyTo"),
			}
			accountID := stringArg(args, "account_id")
			pluginID := stringArg(args, "plugin_id")
			result, err := r.Send(ctx, emailCategory, pluginID, accountID, params)
			return result, nil, err
		},
	},
	"search_emails": {
		name:     "search_emails",
		category: emailCategory,
		run: func(ctx context.Context, r *router.Router, args map[string]any) (any, *router.FanOutMeta, error) {
			params := provider.SearchParams{
				Query:      stringArg(args, "query"),
				MaxResults: intArg(args, "max_results", 0),
				From:       stringArg(args, "from"),
				To:         stringArg(args, "to"),
				Subject:    stringArg(args, "subject"),
				DateFromMs: int64Arg(args, "dateFrom"),
				DateToMs:   int64Arg(args, "dateTo"),
			}
			if v, ok := args["hasAttachment"].(bool); ok {
				params.HasAttachment = &v
			}
			recs, meta, err := r.Search(ctx, emailCategory, params)
			if err != nil {
				return nil, nil, err
			}
			return recs, &meta, nil
		},
	},
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func int64Arg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
