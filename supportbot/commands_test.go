package supportbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

// runCommand sends content as a staff message in the command channel
// and returns the last reply
func runCommand(t testing.TB, bot *testBot, content string) sentMessage {
	t.Helper()
	outcome := bot.router.HandleMessage(context.Background(), staffMessage(testCommandChannelID, content))
	require.Equal(t, routeCommand, outcome)
	return bot.session.lastSent(t)
}

func TestCommands_ServerLifecycle(t *testing.T) {
	bot := newTestBot(t)

	reply := runCommand(t, bot, "!serverlist")
	assert.Equal(t, "There are no servers yet.", reply.Data.Content)

	reply = runCommand(t, bot, `!serveradd neu "Not Enough Updates" https://discord.gg/moulberry The NEU server`)
	assert.Equal(t, "Server 'neu' added.", reply.Data.Content)

	reply = runCommand(t, bot, `!serveredit NEU "Not Enough Updates" https://discord.gg/moulberry Updated description`)
	assert.Equal(t, "Server 'neu' updated.", reply.Data.Content)

	reply = runCommand(t, bot, "!serveraliasadd neu moulberry")
	assert.Equal(t, "Alias 'moulberry' added to 'neu'.", reply.Data.Content)

	reply = runCommand(t, bot, "!serveraliasadd neu moulberry")
	assert.Equal(t, "'moulberry' is already in use.", reply.Data.Content)

	reply = runCommand(t, bot, "!serveraliasadd missing other")
	assert.Equal(t, "Server 'missing' doesn't exist.", reply.Data.Content)

	// public lookup by alias, from any channel
	bot.router.HandleMessage(context.Background(), publicMessage(testOtherChannelID, "!server Moulberry"))
	reply = bot.session.lastSent(t)
	require.Len(t, reply.Data.Embeds, 1)
	embed := reply.Data.Embeds[0]
	assert.Equal(t, "Not Enough Updates", embed.Title)
	assert.Equal(t, "Updated description", embed.Description)
	assert.Equal(t, "https://discord.gg/moulberry", embed.URL)

	reply = runCommand(t, bot, "!servers")
	assert.Equal(t, "Servers (1):\n`neu` Not Enough Updates", reply.Data.Content)

	reply = runCommand(t, bot, "!serveraliasdelete neu moulberry")
	assert.Equal(t, "Alias 'moulberry' removed from 'neu'.", reply.Data.Content)

	reply = runCommand(t, bot, "!serveraliasdelete neu moulberry")
	assert.Equal(t, "'moulberry' is not an alias of 'neu'.", reply.Data.Content)

	reply = runCommand(t, bot, "!serverdelete neu")
	assert.Equal(t, "Server 'neu' deleted.", reply.Data.Content)

	reply = runCommand(t, bot, "!serverdelete neu")
	assert.Equal(t, "Server 'neu' doesn't exist.", reply.Data.Content)

	reply = runCommand(t, bot, "!server neu")
	assert.Equal(t, "Server 'neu' not found.", reply.Data.Content)
}

func TestCommands_ServerAddWithoutInvite(t *testing.T) {
	bot := newTestBot(t)

	reply := runCommand(t, bot, "!serveradd hypixel Hypixel - The official server")
	assert.Equal(t, "Server 'hypixel' added.", reply.Data.Content)

	entry, ok := bot.directory.Get("hypixel")
	require.True(t, ok)
	assert.Empty(t, entry.InviteLink)

	reply = runCommand(t, bot, "!serveradd bad Bad https://example.com/invite Nope")
	assert.Equal(t, "'https://example.com/invite' is not a discord invite link.", reply.Data.Content)
}

func TestCommands_ServerDuplicates(t *testing.T) {
	bot := newTestBot(t)

	reply := runCommand(t, bot, "!serverduplicates")
	assert.Equal(t, "No duplicates found.", reply.Data.Content)

	runCommand(t, bot, "!serveradd sba SkyblockAddons https://discord.gg/sba SBA")
	runCommand(t, bot, "!serveradd sbaold sba https://discord.gg/sbaold Old SBA")

	reply = runCommand(t, bot, "!serverduplicates")
	assert.True(t, strings.HasPrefix(reply.Data.Content, "Found 1 duplicates:"), reply.Data.Content)
	assert.Contains(t, reply.Data.Content, "'sba'")
}

func TestCommands_ServerSync(t *testing.T) {
	bot := newTestBot(t)
	bot.catalog.servers = []DirectoryEntry{
		{
			Keyword:     "neu",
			DisplayName: "NotEnoughUpdates",
			InviteLink:  "https://discord.gg/moulberry",
			Aliases:     []string{"moulberry"},
		},
		{
			Keyword:     "sba",
			DisplayName: "SkyblockAddons",
			InviteLink:  "https://discord.gg/sba",
			Aliases:     []string{"moulberry"},
		},
		{
			Keyword:     "broken",
			DisplayName: "Broken",
			InviteLink:  "https://example.com",
		},
	}

	reply := runCommand(t, bot, "!serversync")
	content := reply.Data.Content
	assert.True(t, strings.HasPrefix(content, "Imported 2 servers and 1 aliases."), content)
	assert.Contains(t, content, "Skipped 2:")
	assert.Contains(t, content, "sba: alias 'moulberry' is already in use")
	assert.Contains(t, content, "broken: ")

	entry, ok := bot.directory.Get("moulberry")
	require.True(t, ok)
	assert.Equal(t, "neu", entry.Keyword)

	// running it again changes nothing
	reply = runCommand(t, bot, "!serversync")
	assert.True(t, strings.HasPrefix(reply.Data.Content, "Imported 2 servers and 0 aliases."), reply.Data.Content)
}

func TestCommands_ServerSyncFailure(t *testing.T) {
	bot := newTestBot(t)
	bot.catalog.err = ErrExternalService

	reply := runCommand(t, bot, "!serversync")
	assert.Equal(t, "Could not load the server catalog.", reply.Data.Content)
}

func testPullRequest() *PullRequest {
	return &PullRequest{
		Number:  42,
		Title:   "Add the thing",
		State:   "open",
		HTMLURL: "https://github.com/hannibal002/SkyHanni/pull/42",
		User:    GitHubUser{Login: "someone"},
		Head:    GitHubRef{Ref: "feature", SHA: "abc123"},
	}
}

func TestCommands_PR(t *testing.T) {
	ctx := context.Background()
	bot := newTestBot(t)
	bot.gh.pulls[42] = testPullRequest()
	bot.gh.runs = []CheckRun{{ID: 1, Name: "build", Status: "completed", Conclusion: "success"}}
	bot.gh.artifacts = []Artifact{{ID: 10, Name: "SkyHanni", SizeInBytes: 2 * 1024 * 1024}}

	bot.router.HandleMessage(ctx, publicMessage(testOtherChannelID, "!pr #42"))
	reply := bot.session.lastSent(t)
	require.Len(t, reply.Data.Embeds, 1)
	embed := reply.Data.Embeds[0]
	assert.Equal(t, "#42 Add the thing", embed.Title)
	assert.Equal(t, "https://github.com/hannibal002/SkyHanni/pull/42", embed.URL)

	bot.router.HandleMessage(ctx, publicMessage(testOtherChannelID, "!pr 7"))
	assert.Equal(t, "PR #7 not found.", bot.session.lastSent(t).Data.Content)

	bot.router.HandleMessage(ctx, publicMessage(testOtherChannelID, "!pr abc"))
	assert.Equal(t, "'abc' is not a valid PR number.", bot.session.lastSent(t).Data.Content)
}

type mockGitHubClient struct {
	mock.Mock
}

func (m *mockGitHubClient) PullRequest(ctx context.Context, number int) (*PullRequest, error) {
	args := m.Called(ctx, number)
	pr, _ := args.Get(0).(*PullRequest)
	return pr, args.Error(1)
}

func (m *mockGitHubClient) CheckRuns(ctx context.Context, sha string) ([]CheckRun, error) {
	args := m.Called(ctx, sha)
	runs, _ := args.Get(0).([]CheckRun)
	return runs, args.Error(1)
}

func (m *mockGitHubClient) Artifacts(ctx context.Context, headSHA string) ([]Artifact, error) {
	args := m.Called(ctx, headSHA)
	artifacts, _ := args.Get(0).([]Artifact)
	return artifacts, args.Error(1)
}

func (m *mockGitHubClient) DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error) {
	args := m.Called(ctx, artifactID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockGitHubClient) RawFile(ctx context.Context, owner, repo, ref, path string) ([]byte, error) {
	args := m.Called(ctx, owner, repo, ref, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func TestCommands_PRDetailsPartialFailure(t *testing.T) {
	bot := newTestBot(t)
	gh := &mockGitHubClient{}
	bot.github = gh

	pr := testPullRequest()
	pr.Labels = []GitHubLabel{{Name: "Bug Fix"}}
	gh.On("PullRequest", mock.Anything, 42).Return(pr, nil).Once()
	gh.On("CheckRuns", mock.Anything, "abc123").Return(
		[]CheckRun{
			{Name: "build", Status: "completed", Conclusion: "success"},
			{Name: "detekt", Status: "completed", Conclusion: "failure"},
		}, nil,
	).Once()
	gh.On("Artifacts", mock.Anything, "abc123").Return(nil, ErrExternalService).Once()

	bot.router.HandleMessage(context.Background(), publicMessage(testOtherChannelID, "!pr 42"))
	reply := bot.session.lastSent(t)
	require.Len(t, reply.Data.Embeds, 1)

	fields := map[string]string{}
	for _, f := range reply.Data.Embeds[0].Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "1 passed, 1 failed", fields["Checks"])
	assert.Equal(t, "Bug Fix", fields["Labels"])
	assert.NotContains(t, fields, "Artifacts")

	gh.AssertExpectations(t)
}

func TestCommands_PRDownload(t *testing.T) {
	bot := newTestBot(t)
	bot.gh.pulls[42] = testPullRequest()
	bot.gh.artifacts = []Artifact{{ID: 10, Name: "SkyHanni"}}

	reply := runCommand(t, bot, "!prdownload 42")
	assert.Equal(t, "Downloading `SkyHanni` for PR #42 (queue position 1).", reply.Data.Content)
	require.Equal(t, 1, bot.artifactQueue.Len())

	job := bot.artifactQueue.Pop(context.Background())
	require.NotNil(t, job)
	assert.Equal(t, int64(10), job.ArtifactID)
	assert.Equal(t, testStaffUserID, job.RequestedBy)
	assert.Equal(t, testCommandChannelID, job.ChannelID)
	require.NotNil(t, job.Reference)

	bot.gh.artifacts = nil
	reply = runCommand(t, bot, "!prdownload 42")
	assert.Equal(t, "PR #42 has no build artifacts.", reply.Data.Content)
}

func TestCommands_UpdateMods(t *testing.T) {
	bot := newTestBot(t)

	runCommand(t, bot, "!updatemods")
	require.Eventually(
		t, func() bool {
			return len(bot.session.Sent()) == 2
		}, 5*time.Second, 10*time.Millisecond,
	)
	sent := bot.session.Sent()
	assert.Equal(t, "Updating the mod catalog...", sent[0].Data.Content)
	assert.Equal(t, "Loaded 4 versions of 2 mods.", sent[1].Data.Content)
	assert.NotNil(t, bot.classifier.Catalog())
}

func TestCommands_UpdateModsFailure(t *testing.T) {
	bot := newTestBot(t)
	bot.catalog.err = ErrExternalService

	runCommand(t, bot, "!reloadmods")
	require.Eventually(
		t, func() bool {
			return len(bot.session.Sent()) == 2
		}, 5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, "Could not load the mod catalog.", bot.session.Sent()[1].Data.Content)
	assert.Nil(t, bot.classifier.Catalog())
}

func TestCommands_ModCheckReferencedMessage(t *testing.T) {
	ctx := context.Background()
	bot := newTestBot(t)
	loadTestCatalog(t, bot)

	m := staffMessage(testOtherChannelID, "!modcheck")
	m.MessageReference = &discordgo.MessageReference{MessageID: "123", ChannelID: testOtherChannelID}
	m.ReferencedMessage = &discordgo.Message{
		ID:      "123",
		Content: "# Mods Loaded\n[ModX][modx.jar (1.9)]\n[OldMod][oldmod.jar (1.0)]",
	}
	require.Equal(t, routeCommand, bot.router.HandleMessage(ctx, m))

	reply := bot.session.lastSent(t)
	require.Len(t, reply.Data.Embeds, 1)
	description := reply.Data.Embeds[0].Description
	assert.True(t, strings.HasPrefix(description, "Parsed 2 mods"), description)
	assert.Contains(t, description, "**UPDATE_AVAILABLE** (1)")
	assert.Contains(t, description, "ModX: 1.9 -> 2.0")
	assert.Contains(t, description, "**TO_REMOVE** (1)")
	assert.Contains(t, description, "OldMod: Merged into ModX")
}

func TestTextCommandEvent_IsReply(t *testing.T) {
	bot := newTestBot(t)

	m := staffMessage(testCommandChannelID, "!modcheck")
	ev := newTextCommandEvent(bot.session, m, "", bot.logger)
	assert.False(t, ev.IsReply())
	assert.Equal(t, TextInput{}, ev.Input())

	m.MessageReference = &discordgo.MessageReference{MessageID: "123", ChannelID: testCommandChannelID}
	assert.True(t, ev.IsReply())
	assert.Same(t, m, ev.TriggerMessage())
}

func TestCommands_ModCheckLoadsCatalogInBackground(t *testing.T) {
	bot := newTestBot(t)
	block := make(chan struct{})
	bot.catalog.block = block

	text := "!modcheck " + modsLoadedHeader + "\n[ModX][modx.jar (2.0)]"

	// the command replies without waiting for the catalog
	reply := runCommand(t, bot, text)
	assert.Equal(t, msgCatalogLoading, reply.Data.Content)
	require.Eventually(t, bot.classifier.Reloading, 5*time.Second, 5*time.Millisecond)

	// asking again while it loads doesn't start another load
	reply = runCommand(t, bot, text)
	assert.Equal(t, msgCatalogLoading, reply.Data.Content)

	close(block)
	require.Eventually(
		t, func() bool {
			return bot.classifier.Catalog() != nil
		}, 5*time.Second, 5*time.Millisecond,
	)
	assert.Equal(t, int64(1), bot.catalog.modFetches.Load())

	reply = runCommand(t, bot, text)
	require.Len(t, reply.Data.Embeds, 1)
	assert.Contains(t, reply.Data.Embeds[0].Description, "**UP_TO_DATE** (1)")
}

func TestCommands_ModCheckNothingToCheck(t *testing.T) {
	bot := newTestBot(t)

	reply := runCommand(t, bot, "!modcheck")
	assert.Equal(t, "Paste a Mods Loaded list, or reply to a message with one.", reply.Data.Content)

	reply = runCommand(t, bot, "!modcheck just some text")
	assert.Equal(t, "No '# Mods Loaded' list found.", reply.Data.Content)
}
