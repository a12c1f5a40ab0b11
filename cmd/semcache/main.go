// Command semcache is a diagnostic CLI for the semantic cache: health,
// stats, index state and ad-hoc reads/writes/searches against the backend
// selected by the SEMCACHE_* environment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/songline/semcache/cache"
	"github.com/songline/semcache/embedding"
	"github.com/songline/semcache/env"
	"github.com/songline/semcache/logger"
)

func newManager(ctx context.Context, cfg env.Config) (*cache.Manager, error) {
	var log logger.Logger
	if cfg.LogFormat == "json" {
		log = logger.NewJSON(logger.ParseLevel(cfg.LogLevel), os.Stderr)
	} else {
		log = logger.NewConsole(logger.ParseLevel(cfg.LogLevel))
	}

	var embedder embedding.Provider
	if cfg.EmbeddingsEnabled {
		embedder = embedding.NewHTTP(embedding.HTTPConfig{
			URL:        cfg.EmbeddingURL,
			Model:      cfg.EmbeddingModel,
			APIKey:     cfg.EmbeddingAPIKey,
			Dimensions: cfg.EmbeddingDim,
		})
	}

	return cache.NewManager(ctx, cache.ManagerOptions{
		Backend:           cfg.Backend,
		RedisURL:          cfg.RedisURL,
		SQLitePath:        cfg.SQLitePath,
		FileDir:           cfg.FileDir,
		Embedder:          embedder,
		EmbeddingsEnabled: cfg.EmbeddingsEnabled,
		FaultTolerant:     cfg.FaultTolerant,
		Logger:            log,
		Options: []cache.Option{
			cache.WithDefaultTTL(cfg.DefaultTTL),
			cache.WithPrefix(cfg.KeyPrefix),
			cache.WithIndexName(cfg.IndexName),
			cache.WithDimensions(cfg.EmbeddingDim),
			cache.WithMaxTextLen(cfg.MaxTextLen),
		},
	})
}

func printJSON(v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func main() {
	cfg := env.Load()

	root := &cobra.Command{
		Use:           "semcache",
		Short:         "semantic cache diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "report backend connectivity and index readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			return printJSON(m.HealthCheck(cmd.Context()))
		},
	})

	var statsTenant string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "report entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			stats, err := m.Stats(cmd.Context(), statsTenant)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	statsCmd.Flags().StringVar(&statsTenant, "tenant", "", "restrict to one tenant")
	root.AddCommand(statsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "index-info",
		Short: "report physical index state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			info, err := m.IndexInfo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	})

	var putTenant, putUser, putSig string
	var putTTL time.Duration
	putCmd := &cobra.Command{
		Use:   "put <text>",
		Short: "write an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			sig := putSig
			if sig == "" {
				sig = cache.Signature(args[0])
			}
			id, err := m.Put(cmd.Context(), cache.PutRequest{
				Tenant:    putTenant,
				User:      putUser,
				Signature: sig,
				Text:      args[0],
				TTL:       putTTL,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	putCmd.Flags().StringVar(&putTenant, "tenant", "default", "tenant namespace")
	putCmd.Flags().StringVar(&putUser, "user", "", "user scope")
	putCmd.Flags().StringVar(&putSig, "signature", "", "dedup signature (defaults to a content digest)")
	putCmd.Flags().DurationVar(&putTTL, "ttl", 0, "entry TTL (0 = backend default)")
	root.AddCommand(putCmd)

	var getTenant, getSig string
	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "read an entry by id or by --signature",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			var entry *cache.Entry
			switch {
			case getSig != "":
				entry, err = m.GetBySignature(cmd.Context(), getTenant, getSig, 0)
			case len(args) == 1:
				entry, err = m.Get(cmd.Context(), args[0], 0)
			default:
				return fmt.Errorf("an id argument or --signature is required")
			}
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("not found")
			}
			return printJSON(entry)
		},
	}
	getCmd.Flags().StringVar(&getTenant, "tenant", "default", "tenant namespace")
	getCmd.Flags().StringVar(&getSig, "signature", "", "dedup signature")
	root.AddCommand(getCmd)

	var searchTenant, searchUser string
	var searchK int
	var semantic bool
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "search the tenant's entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			var res *cache.SearchResults
			if semantic {
				res, err = m.SemanticSearch(cmd.Context(), searchTenant, args[0], searchK, searchUser)
			} else {
				res, err = m.TextSearch(cmd.Context(), cache.TextQuery{
					Tenant: searchTenant,
					Query:  args[0],
					User:   searchUser,
					Limit:  searchK,
				})
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	searchCmd.Flags().StringVar(&searchTenant, "tenant", "default", "tenant namespace")
	searchCmd.Flags().StringVar(&searchUser, "user", "", "restrict to one user scope")
	searchCmd.Flags().IntVar(&searchK, "k", 10, "max results")
	searchCmd.Flags().BoolVar(&semantic, "semantic", false, "embed the query and run KNN search")
	root.AddCommand(searchCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
