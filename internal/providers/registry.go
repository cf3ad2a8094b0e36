// Package providers turns the source configuration into sync collections.
package providers

import (
	"context"

	slackapi "github.com/slack-go/slack"
	"google.golang.org/api/option"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/config"
	"github.com/Martian-dev/brain-sync/internal/providers/gcal"
	"github.com/Martian-dev/brain-sync/internal/providers/gchat"
	"github.com/Martian-dev/brain-sync/internal/providers/gdrive"
	"github.com/Martian-dev/brain-sync/internal/providers/gmail"
	"github.com/Martian-dev/brain-sync/internal/providers/notion"
	"github.com/Martian-dev/brain-sync/internal/providers/outlook"
	"github.com/Martian-dev/brain-sync/internal/providers/slack"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

// Collections returns one collection per enabled source, in a fixed order.
func Collections(cfg *config.SourcesConfig) []sync.Collection {
	var out []sync.Collection

	if s := cfg.Gmail; s.Enabled {
		opts := gmail.Options{User: s.User, Query: s.Query, FullSync: s.FullSync}
		out = append(out, sync.Collection{
			Source: "gmail",
			Name:   "gmail",
			Mode:   s.WriteMode(),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return gmail.New(ctx, cred, opts, googleOptions(s.Source)...)
			},
		})
	}

	if s := cfg.Calendar; s.Enabled {
		opts := gcal.Options{CalendarID: s.CalendarID, WindowDays: s.WindowDays}
		out = append(out, sync.Collection{
			Source: "gcal",
			Name:   "gcal",
			Mode:   s.WriteMode(),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return gcal.New(ctx, cred, opts, googleOptions(s.Source)...)
			},
		})
	}

	if s := cfg.Drive; s.Enabled {
		out = append(out, sync.Collection{
			Source: "gdrive",
			Name:   "gdrive",
			Mode:   s.WriteMode(),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return gdrive.New(ctx, cred, s.RootQuery, googleOptions(s.Source)...)
			},
		})
	}

	if s := cfg.Chat; s.Enabled {
		out = append(out, sync.Collection{
			Source:    "gchat",
			Name:      "gchat",
			Mode:      s.WriteMode(),
			ChildMode: sync.WriteMode(s.MessageMode),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return gchat.New(ctx, cred, googleOptions(s.Source)...)
			},
		})
	}

	if s := cfg.Slack; s.Enabled {
		var opts []slackapi.Option
		if s.Endpoint != "" {
			opts = append(opts, slackapi.OptionAPIURL(s.Endpoint))
		}
		out = append(out, sync.Collection{
			Source:    "slack",
			Name:      "slack",
			Mode:      s.WriteMode(),
			ChildMode: sync.WriteMode(s.HistoryMode),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return slack.New(cred, s.ChannelTypes, opts...)
			},
		})
	}

	if s := cfg.Notion; s.Enabled {
		out = append(out, sync.Collection{
			Source: "notion",
			Name:   "notion",
			Mode:   s.WriteMode(),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return notion.New(cred, nil)
			},
		})
	}

	if s := cfg.Outlook; s.Enabled {
		out = append(out, sync.Collection{
			Source: "outlook",
			Name:   "outlook",
			Mode:   s.WriteMode(),
			Build: func(ctx context.Context, cred *auth.Credential) (sync.SourceAdapter, error) {
				return outlook.New(ctx, cred, s.User)
			},
		})
	}

	return out
}

func googleOptions(s config.Source) []option.ClientOption {
	if s.Endpoint == "" {
		return nil
	}
	return []option.ClientOption{option.WithEndpoint(s.Endpoint)}
}
