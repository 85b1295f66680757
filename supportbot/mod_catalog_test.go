package supportbot

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// rawFileClient serves raw files from a map keyed by path
type rawFileClient struct {
	stubGitHubClient
	mu       sync.Mutex
	files    map[string]string
	requests []string
}

func (c *rawFileClient) RawFile(_ context.Context, owner, repo, ref, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, fmt.Sprintf("%s/%s/%s/%s", owner, repo, ref, path))
	data, ok := c.files[path]
	if !ok {
		return nil, &gitHubStatusError{StatusCode: 404, Message: "Not Found"}
	}
	return []byte(data), nil
}

func testCatalogConfig() (*ModCatalogConfig, *ServerCatalogConfig) {
	return &ModCatalogConfig{
			Owner:      "owner",
			Repository: "catalog",
			Ref:        "main",
			StablePath: "mods/stable.json",
			BetaPath:   "mods/beta.json",
		}, &ServerCatalogConfig{
			Path: "servers.json",
		}
}

func TestDecodeModFeed(t *testing.T) {
	data := []byte(`[
		{"id": "modx", "name": "ModX", "version": " 2.0 ", "download": "https://example.com/modx.jar", "latest": true},
		{"id": "oldmod", "version": "1.0", "suppress_reason": "Merged into ModX"},
		{"version": "3.0"}
	]`)
	entries, err := decodeModFeed(data, ChannelBeta)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "2.0", entries[0].Version)
	assert.Equal(t, ChannelBeta, entries[0].Channel)
	assert.True(t, entries[0].IsLatestInChannel)
	assert.Equal(t, "oldmod", entries[1].DisplayName)
	assert.Equal(t, "Merged into ModX", entries[1].SuppressReason)

	_, err = decodeModFeed([]byte(`{"not": "a list"}`), ChannelStable)
	assert.ErrorIs(t, err, ErrExternalService)
}

func TestDecodeServerFeed(t *testing.T) {
	data := []byte(`[
		{"keyword": "neu", "name": "NotEnoughUpdates", "invite": "https://discord.gg/moulberry", "aliases": ["moulberry"]}
	]`)
	entries, err := decodeServerFeed(data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "neu", entries[0].Keyword)
	assert.Equal(t, "NotEnoughUpdates", entries[0].DisplayName)
	assert.Equal(t, []string{"moulberry"}, entries[0].Aliases)

	_, err = decodeServerFeed([]byte("nope"))
	assert.ErrorIs(t, err, ErrExternalService)
}

func TestNormalizeModName(t *testing.T) {
	assert.Equal(t, "notenoughupdates", normalizeModName("§6NEU"))
	assert.Equal(t, "skyhanni", normalizeModName(" SkyHanni-Beta "))
	assert.Equal(t, "modx", normalizeModName("ModX"))
}

func TestModCatalog_Lookup(t *testing.T) {
	loadedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	catalog := newModCatalog(
		[]ModCatalogEntry{
			{ModID: "neu", DisplayName: "NotEnoughUpdates", Version: "2.1", Channel: ChannelStable},
			{ModID: "modx", DisplayName: "ModX", Version: "1.0", Channel: ChannelStable},
		}, loadedAt,
	)
	assert.Len(t, catalog.Lookup("Not Enough Updates"), 1)
	assert.Len(t, catalog.Lookup("§cneu"), 1)
	assert.Len(t, catalog.Lookup("MODX"), 1)
	assert.Empty(t, catalog.Lookup("missing"))
	assert.Equal(t, 2, catalog.ModCount())
	assert.Equal(t, loadedAt, catalog.LoadedAt)
}

func TestRepoCatalogSource_FetchModCatalog(t *testing.T) {
	mods, servers := testCatalogConfig()
	client := &rawFileClient{
		files: map[string]string{
			"mods/stable.json": `[{"id": "modx", "name": "ModX", "version": "2.0", "latest": true}]`,
			"mods/beta.json":   `[{"id": "modx", "name": "ModX", "version": "2.1-beta", "latest": true}]`,
		},
	}
	source := newRepoCatalogSource(client, mods, servers, slog.Default())

	entries, err := source.FetchModCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ChannelStable, entries[0].Channel)
	assert.Equal(t, "2.0", entries[0].Version)
	assert.Equal(t, ChannelBeta, entries[1].Channel)
	assert.Equal(t, "2.1-beta", entries[1].Version)
	assert.ElementsMatch(
		t,
		[]string{"owner/catalog/main/mods/stable.json", "owner/catalog/main/mods/beta.json"},
		client.requests,
	)
}

func TestRepoCatalogSource_FetchModCatalogMissingFeed(t *testing.T) {
	mods, servers := testCatalogConfig()
	client := &rawFileClient{
		files: map[string]string{
			"mods/stable.json": `[]`,
		},
	}
	source := newRepoCatalogSource(client, mods, servers, slog.Default())

	_, err := source.FetchModCatalog(context.Background())
	assert.ErrorIs(t, err, ErrExternalService)
}

func TestRepoCatalogSource_FetchServerCatalog(t *testing.T) {
	mods, servers := testCatalogConfig()
	client := &rawFileClient{
		files: map[string]string{
			"servers.json": `[
				{"keyword": "sba", "name": "SkyblockAddons", "invite": "https://discord.gg/sba"},
				{"keyword": "neu", "name": "NotEnoughUpdates", "invite": "https://discord.gg/moulberry"}
			]`,
		},
	}
	source := newRepoCatalogSource(client, mods, servers, slog.Default())

	entries, err := source.FetchServerCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "neu", entries[0].Keyword)
	assert.Equal(t, "sba", entries[1].Keyword)

	source = newRepoCatalogSource(client, mods, &ServerCatalogConfig{}, slog.Default())
	_, err = source.FetchServerCatalog(context.Background())
	assert.ErrorIs(t, err, ErrValidation)
}
