package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/config"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/feed"
	"github.com/pders01/shelf/internal/media"
	"github.com/pders01/shelf/internal/pipeline"
	"github.com/pders01/shelf/internal/remote"
	"github.com/pders01/shelf/internal/render"
	"github.com/pders01/shelf/internal/storage"
)

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), newStyles(nil).banner(Version))
		},
	}
}

func (c *cli) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := c.configFile()
			if _, err := os.Stat(target); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists: %s\n", target)
				return nil
			}
			if err := config.GenerateDefaultConfig(target); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config: %s\n", target)
			fmt.Fprintln(cmd.OutOrStdout(), "Set server.url and server.token to connect to your server.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func (c *cli) fetchCmd() *cobra.Command {
	var (
		noImages bool
		starred  bool
		status   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "fetch [entry-id...]",
		Short: "Download entries into offline bundles",
		Long:  "Download the given entries, or the newest entries matching the filters, into self-contained offline bundles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if status != "" && !storage.EntryStatus(status).Valid() {
				return fmt.Errorf("invalid status %q", status)
			}

			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()
			client, err := a.requireClient(c)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var entries []*storage.Entry
			if len(ids) > 0 {
				for _, id := range ids {
					e, err := client.FetchEntry(ctx, id)
					if err != nil {
						return fmt.Errorf("fetching entry %d: %w", id, err)
					}
					entries = append(entries, e)
				}
			} else {
				list, _, err := client.ListEntries(ctx, remote.Filter{
					Status:    storage.EntryStatus(status),
					Starred:   starred,
					Limit:     limit,
					Order:     "published_at",
					Direction: "desc",
				})
				if err != nil {
					return fmt.Errorf("listing entries: %w", err)
				}
				for i := range list {
					entries = append(entries, &list[i])
				}
			}
			return c.materialize(cmd, a, entries, c.cfg.Images.Include && !noImages)
		},
	}
	cmd.Flags().BoolVar(&noImages, "no-images", false, "Keep remote image references instead of downloading")
	cmd.Flags().BoolVar(&starred, "starred", false, "Only starred entries")
	cmd.Flags().StringVar(&status, "status", "unread", "Only entries with this status (unread, read, or empty for all)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries to list")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var (
		noImages bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "import [feed-url...]",
		Short: "Import plain RSS/Atom feeds without the server",
		Long:  "Import entries from the given feeds, or refresh every previously imported feed when no URL is given. Imported entries are kept locally and never synced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			im := feed.NewImporter(a.queue, c.cfg)
			im.SetForceRefresh(force)

			ctx := cmd.Context()
			var entries []storage.Entry
			if len(args) == 0 {
				got, err := im.RefreshAll(ctx)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), c.styles.errorLine(err))
				}
				entries = got
			} else {
				for _, u := range args {
					src, got, err := im.Import(ctx, u)
					if err != nil {
						return fmt.Errorf("importing %s: %w", u, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d new\n", c.styles.accent.Render("feed"), src.Title, len(got))
					entries = append(entries, got...)
				}
			}

			ptrs := make([]*storage.Entry, len(entries))
			for i := range entries {
				ptrs[i] = &entries[i]
			}
			return c.materialize(cmd, a, ptrs, c.cfg.Images.Include && !noImages)
		},
	}
	cmd.Flags().BoolVar(&noImages, "no-images", false, "Keep remote image references instead of downloading")
	cmd.Flags().BoolVar(&force, "force", false, "Ignore ETag/Last-Modified and refetch")
	return cmd
}

func (c *cli) feedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List imported feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			feeds, err := a.queue.ListFeeds()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(feeds) == 0 {
				fmt.Fprintln(out, c.styles.muted.Render("No imported feeds"))
				return nil
			}
			for _, f := range feeds {
				fmt.Fprintf(out, "%s  %s  %s\n", c.styles.title.Render(f.Title), f.URL,
					c.styles.muted.Render(fmt.Sprintf("%d entries, fetched %s", f.EntryCount, f.LastFetched.Local().Format(time.DateTime))))
			}
			return nil
		},
	}
}

// materialize runs the pipeline over entries and prints one line per entry.
func (c *cli) materialize(cmd *cobra.Command, a *app, entries []*storage.Entry, images bool) error {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, c.styles.muted.Render("Nothing to fetch"))
		return nil
	}

	opts := pipeline.Options{
		IncludeImages: images,
		Progress: func(p pipeline.Progress) {
			if p.State == pipeline.StateDownloadingImages {
				debuglog.Debugf("entry %d: %d/%d images", p.EntryID, p.ImagesDone, p.ImagesTotal)
			}
		},
	}
	results := a.materializer.MaterializeAll(cmd.Context(), entries, opts, c.cfg.Materialize.Concurrency)

	failed := 0
	for _, r := range results {
		switch {
		case pipeline.IsContentUnavailable(r.Err):
			fmt.Fprintf(out, "%s %d: no content\n", c.styles.muted.Render("skip"), r.EntryID)
		case r.Err != nil:
			failed++
			fmt.Fprintf(out, "%s %d: %v\n", c.styles.failure.Render("fail"), r.EntryID, r.Err)
		case r.Bundle.State == pipeline.StateAlreadyExists:
			fmt.Fprintf(out, "%s %d %s\n", c.styles.muted.Render("have"), r.EntryID, r.Bundle.Metadata.Title)
		default:
			note := r.Bundle.Summary()
			if r.Bundle.Cancelled {
				note += ", interrupted"
			}
			fmt.Fprintf(out, "%s %d %s %s\n", c.styles.success.Render("done"), r.EntryID, r.Bundle.Metadata.Title, c.styles.muted.Render("("+note+")"))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(results))
	}
	return nil
}

func (c *cli) listCmd() *cobra.Command {
	var (
		status  string
		starred bool
		pending bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List offline entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.records.List()
			if err != nil {
				return err
			}
			sort.SliceStable(recs, func(i, j int) bool {
				return recs[i].PublishedAt.After(recs[j].PublishedAt)
			})

			out := cmd.OutOrStdout()
			shown := 0
			for _, rec := range recs {
				if status != "" && string(rec.Status) != status {
					continue
				}
				if starred && !rec.Starred {
					continue
				}
				if pending && rec.SyncStatus != storage.SyncPendingUpload {
					continue
				}
				shown++
				fmt.Fprintf(out, "%s%s %8d  %s  %s\n",
					c.styles.statusBadge(rec.Status, rec.Starred),
					c.styles.syncBadge(rec.SyncStatus),
					rec.EntryID,
					rec.Title,
					c.styles.muted.Render(rec.FeedTitle))
			}
			if shown == 0 {
				fmt.Fprintln(out, c.styles.muted.Render("No entries"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only entries with this status")
	cmd.Flags().BoolVar(&starred, "starred", false, "Only starred entries")
	cmd.Flags().BoolVar(&pending, "pending", false, "Only entries with changes waiting for upload")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Render an offline entry in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.records.ReadHTML(ids[0])
			if errors.Is(err, bundle.ErrNotFound) {
				return fmt.Errorf("entry %d is not available offline; run `shelf fetch %d`", ids[0], ids[0])
			}
			if err != nil {
				return err
			}
			md, err := render.Markdown(doc)
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprintln(cmd.OutOrStdout(), md)
				return nil
			}

			width := c.cfg.UI.WrapWidth
			if width <= 0 {
				width = render.WrapWidth(80)
			}
			text, err := render.NewTerminal("").Render(md, width)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print Markdown without terminal styling")
	return cmd
}

func (c *cli) openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <entry-id>",
		Short: "Open an offline entry in the configured viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			if !a.materializer.IsMaterialized(ids[0]) {
				return fmt.Errorf("entry %d is not available offline; run `shelf fetch %d`", ids[0], ids[0])
			}
			return media.NewLauncher(c.cfg).Open(a.records.HTMLPath(ids[0]))
		},
	}
}

// statusCmd builds read, unread, star and unstar.
func (c *cli) statusCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <entry-id...>",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()
			a.connect(c)

			out := cmd.OutOrStdout()
			for _, id := range ids {
				rec, err := a.records.Load(id)
				if errors.Is(err, bundle.ErrNotFound) {
					return fmt.Errorf("entry %d is not available offline", id)
				}
				if err != nil {
					return err
				}
				status, starred := rec.Status, rec.Starred
				switch action {
				case "read":
					status = storage.StatusRead
				case "unread":
					status = storage.StatusUnread
				case "star":
					starred = true
				case "unstar":
					starred = false
				}

				res, err := a.engine.ChangeStatus(cmd.Context(), id, status, starred)
				if err != nil {
					return err
				}
				if res.Pending {
					fmt.Fprintf(out, "%s %d %s %s\n", c.styles.accent.Render("queued"), id, action,
						c.styles.muted.Render("("+res.RemoteErr.Err.Error()+")"))
					continue
				}
				fmt.Fprintf(out, "%s %d %s\n", c.styles.success.Render("synced"), id, action)
			}
			return nil
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload queued status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()
			a.connect(c)

			out := cmd.OutOrStdout()
			if reset {
				n, err := a.engine.ResetExhausted()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Reset %d exhausted change(s)\n", n)
			}

			res, err := a.engine.DrainQueue(cmd.Context())
			if err != nil {
				return err
			}
			if res.Offline {
				fmt.Fprintln(out, c.styles.muted.Render("Server unreachable; changes stay queued"))
				return nil
			}
			fmt.Fprintf(out, "%s %d synced, %d failed, %d skipped\n",
				c.styles.heading("sync"), len(res.Synced), len(res.Failed), len(res.Skipped))
			for _, w := range res.Warnings() {
				fmt.Fprintln(out, c.styles.errorLine(w))
			}
			if len(res.Exhausted) > 0 {
				fmt.Fprintln(out, c.styles.muted.Render("Run `shelf sync --reset` to retry exhausted changes"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Retry changes that reached the retry limit")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Pull status changes made on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()
			if _, err := a.requireClient(c); err != nil {
				return err
			}
			if limit <= 0 {
				limit = c.cfg.Sync.RefreshLimit
			}
			changed, err := a.engine.Refresh(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d local entr%s updated\n", c.styles.heading("refresh"), changed, plural(changed, "y", "ies"))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of recently changed entries to check")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search offline entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			results, err := a.searcher().Search(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, c.styles.muted.Render("No matches"))
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(out, "%s %8d  %s  %s\n",
					c.styles.statusBadge(r.Status, r.Starred), r.EntryID, r.Title, c.styles.muted.Render(r.FeedTitle))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	return cmd
}

func (c *cli) reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from offline bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()
			if a.index == nil {
				return fmt.Errorf("search index unavailable at %s", c.cfg.Storage.SearchIndex)
			}
			n, err := a.index.Reindex(a.records)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d entr%s\n", n, plural(n, "y", "ies"))
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <entry-id...>",
		Aliases: []string{"rm"},
		Short:   "Delete offline bundles",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()
			for _, id := range ids {
				if err := a.materializer.Delete(id); err != nil {
					return fmt.Errorf("deleting entry %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", c.styles.muted.Render("deleted"), id)
			}
			return nil
		},
	}
}

func (c *cli) queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show status changes waiting for upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.close()

			pending, err := a.queue.Pending()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if last, err := a.queue.LastDrain(); err == nil && !last.IsZero() {
				fmt.Fprintln(out, c.styles.muted.Render("Last sync: "+last.Local().Format(time.DateTime)))
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, c.styles.muted.Render("Queue is empty"))
				return nil
			}
			maxRetries := c.cfg.Sync.MaxRetries
			if maxRetries <= 0 {
				maxRetries = storage.MaxRetries
			}
			for _, q := range pending {
				line := fmt.Sprintf("%8d  %s→%s  starred %t→%t  retries %d/%d",
					q.EntryID, q.OldStatus, q.NewStatus, q.OldStarred, q.NewStarred, q.RetryCount, maxRetries)
				if q.RetryCount >= maxRetries {
					line = c.styles.failure.Render(line + "  exhausted")
				}
				fmt.Fprintln(out, line)
				if q.LastError != "" {
					fmt.Fprintln(out, c.styles.muted.Render("          "+q.LastError))
				}
			}
			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid entry id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
