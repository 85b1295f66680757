package supportbot

import (
	"context"
	"encoding/json"
	"fmt"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ModChannel is the release channel a catalog entry was published in
type ModChannel int

const (
	ChannelStable ModChannel = iota
	ChannelBeta
)

func (c ModChannel) String() string {
	switch c {
	case ChannelStable:
		return "stable"
	case ChannelBeta:
		return "beta"
	default:
		return fmt.Sprintf("ModChannel(%d)", int(c))
	}
}

func (c ModChannel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ModCatalogEntry is one known version of a mod
type ModCatalogEntry struct {
	ModID             string     `json:"id"`
	DisplayName       string     `json:"name"`
	Version           string     `json:"version"`
	DownloadLink      string     `json:"download,omitempty"`
	ContentHash       string     `json:"hash,omitempty"`
	Channel           ModChannel `json:"channel"`
	IsLatestInChannel bool       `json:"latest"`
	SuppressReason    string     `json:"suppress_reason,omitempty"`
}

// modFeedEntry is an element of the stable/beta feed files
type modFeedEntry struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Version        string  `json:"version"`
	Download       string  `json:"download"`
	Hash           string  `json:"hash"`
	Latest         bool    `json:"latest"`
	SuppressReason *string `json:"suppress_reason"`
}

var formattingCodePattern = regexp.MustCompile(`§.`)

// modNameAliases maps lowercased names that mods have been seen to
// report themselves as, to the name they're cataloged under
var modNameAliases = map[string]string{
	"skyhanni-beta":      "skyhanni",
	"not enough updates": "notenoughupdates",
	"neu":                "notenoughupdates",
	"sba":                "skyblockaddons",
	"skyblock addons":    "skyblockaddons",
	"patcher-1.8.9":      "patcher",
}

// normalizeModName strips formatting codes and case, and resolves
// known aliases
func normalizeModName(name string) string {
	name = strings.ToLower(strings.TrimSpace(formattingCodePattern.ReplaceAllString(name, "")))
	if canonical, ok := modNameAliases[name]; ok {
		return canonical
	}
	return name
}

// ModCatalog is an immutable snapshot of the known mod versions
type ModCatalog struct {
	Entries  []ModCatalogEntry `json:"entries"`
	LoadedAt time.Time         `json:"loaded_at"`
	byName   map[string][]ModCatalogEntry
}

func newModCatalog(entries []ModCatalogEntry, loadedAt time.Time) *ModCatalog {
	c := &ModCatalog{
		Entries:  entries,
		LoadedAt: loadedAt,
		byName:   map[string][]ModCatalogEntry{},
	}
	for _, e := range entries {
		keys := []string{normalizeModName(e.DisplayName)}
		if id := normalizeModName(e.ModID); id != keys[0] {
			keys = append(keys, id)
		}
		for _, k := range keys {
			if k != "" {
				c.byName[k] = append(c.byName[k], e)
			}
		}
	}
	return c
}

// Lookup returns every entry for the named mod, across both channels
func (c *ModCatalog) Lookup(name string) []ModCatalogEntry {
	return c.byName[normalizeModName(name)]
}

func (c *ModCatalog) ModCount() int {
	ids := map[string]struct{}{}
	for _, e := range c.Entries {
		ids[e.ModID] = struct{}{}
	}
	return len(ids)
}

// decodeModFeed parses one feed file, tagging entries with channel
func decodeModFeed(data []byte, channel ModChannel) ([]ModCatalogEntry, error) {
	var feed []modFeedEntry
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: malformed %s mod feed: %w", ErrExternalService, channel, err)
	}
	entries := make([]ModCatalogEntry, 0, len(feed))
	for _, f := range feed {
		if f.Name == "" && f.ID == "" {
			continue
		}
		e := ModCatalogEntry{
			ModID:             f.ID,
			DisplayName:       f.Name,
			Version:           strings.TrimSpace(f.Version),
			DownloadLink:      f.Download,
			ContentHash:       f.Hash,
			Channel:           channel,
			IsLatestInChannel: f.Latest,
		}
		if e.DisplayName == "" {
			e.DisplayName = e.ModID
		}
		if f.SuppressReason != nil {
			e.SuppressReason = *f.SuppressReason
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// serverFeedEntry is an element of the server catalog file
type serverFeedEntry struct {
	Keyword     string   `json:"keyword"`
	Name        string   `json:"name"`
	Invite      string   `json:"invite"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
}

func decodeServerFeed(data []byte) ([]DirectoryEntry, error) {
	var feed []serverFeedEntry
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: malformed server catalog: %w", ErrExternalService, err)
	}
	entries := make([]DirectoryEntry, 0, len(feed))
	for _, f := range feed {
		entries = append(
			entries, DirectoryEntry{
				Keyword:     f.Keyword,
				DisplayName: f.Name,
				InviteLink:  f.Invite,
				Description: f.Description,
				Aliases:     f.Aliases,
			},
		)
	}
	return entries, nil
}

// CatalogSource supplies the mod catalog and the server catalog
type CatalogSource interface {
	FetchModCatalog(ctx context.Context) ([]ModCatalogEntry, error)
	FetchServerCatalog(ctx context.Context) ([]DirectoryEntry, error)
}

// repoCatalogSource reads the catalogs as raw files from a repository
type repoCatalogSource struct {
	client  GitHubClient
	mods    *ModCatalogConfig
	servers *ServerCatalogConfig
	logger  *slog.Logger
}

func newRepoCatalogSource(
	client GitHubClient,
	mods *ModCatalogConfig,
	servers *ServerCatalogConfig,
	logger *slog.Logger,
) *repoCatalogSource {
	return &repoCatalogSource{
		client:  client,
		mods:    mods,
		servers: servers,
		logger:  logger.With(loggerNameKey, "catalog_source"),
	}
}

// FetchModCatalog fetches the stable and beta feeds concurrently
func (s *repoCatalogSource) FetchModCatalog(ctx context.Context) ([]ModCatalogEntry, error) {
	var stable, beta []ModCatalogEntry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			data, err := s.client.RawFile(gctx, s.mods.Owner, s.mods.Repository, s.mods.Ref, s.mods.StablePath)
			if err != nil {
				return err
			}
			stable, err = decodeModFeed(data, ChannelStable)
			return err
		},
	)
	g.Go(
		func() error {
			data, err := s.client.RawFile(gctx, s.mods.Owner, s.mods.Repository, s.mods.Ref, s.mods.BetaPath)
			if err != nil {
				return err
			}
			beta, err = decodeModFeed(data, ChannelBeta)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "fetched mod catalog", "stable", len(stable), "beta", len(beta))
	return append(stable, beta...), nil
}

func (s *repoCatalogSource) FetchServerCatalog(ctx context.Context) ([]DirectoryEntry, error) {
	if s.servers == nil || s.servers.Path == "" {
		return nil, validationErrorf("No server catalog is configured.")
	}
	data, err := s.client.RawFile(ctx, s.mods.Owner, s.mods.Repository, s.mods.Ref, s.servers.Path)
	if err != nil {
		return nil, err
	}
	entries, err := decodeServerFeed(data)
	if err != nil {
		return nil, err
	}
	sort.Slice(
		entries, func(i, j int) bool {
			return entries[i].Keyword < entries[j].Keyword
		},
	)
	return entries, nil
}
