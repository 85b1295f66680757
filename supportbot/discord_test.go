package supportbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// sentMessage is a message the mock session was asked to send
type sentMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
	Message   *discordgo.Message
}

type deletedMessage struct {
	ChannelID string
	MessageID string
}

type interactionResponse struct {
	Interaction *discordgo.Interaction
	Response    *discordgo.InteractionResponse
}

// mockDiscordSession is a DiscordSessionHandler which records what it's
// asked to do instead of talking to discord.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu           sync.Mutex
	sent         []sentMessage
	deleted      []deletedMessage
	responses    []interactionResponse
	followups    []*discordgo.WebhookParams
	overwritten  []*discordgo.ApplicationCommand
	customStatus string
	handlers     int
	opened       bool
	closed       bool

	nextID atomic.Int64

	// sendErr, if set, is returned by every send
	sendErr error

	// deleteErr, if set, is returned by every delete
	deleteErr error
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	m.nextID.Store(900000000000000000)
	return m
}

func (d *mockDiscordSession) newMessage(channelID string, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        strconv.FormatInt(d.nextID.Add(1), 10),
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: testBotUserID, Bot: true},
	}
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.mu.Lock()
	d.handlers++
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.handlers--
		d.mu.Unlock()
	}
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: content},
		options...,
	)
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	msg := d.newMessage(channelID, data.Content)
	msg.Embeds = data.Embeds
	d.sent = append(d.sent, sentMessage{ChannelID: channelID, Data: data, Message: msg})
	d.logger.Info("saw message send", "channel_id", channelID, "content", data.Content)
	return msg, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, deletedMessage{ChannelID: channelID, MessageID: messageID})
	return d.deleteErr
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, interactionResponse{Interaction: interaction, Response: resp})
	return nil
}

func (d *mockDiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.followups = append(d.followups, data)
	return d.newMessage(interaction.ChannelID, data.Content), nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("overwrite application commands", "app_id", appID, "guild_id", guildID)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			ID:          fmt.Sprintf("%d", i+1),
			Name:        c.Name,
			Description: c.Description,
		}
	}
	d.overwritten = cmds
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customStatus = status
	return nil
}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

func (d *mockDiscordSession) Sent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

func (d *mockDiscordSession) Deleted() []deletedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deletedMessage(nil), d.deleted...)
}

func (d *mockDiscordSession) Responses() []interactionResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]interactionResponse(nil), d.responses...)
}

func (d *mockDiscordSession) overwrittenCommands() []*discordgo.ApplicationCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.ApplicationCommand(nil), d.overwritten...)
}

// lastSent returns the most recent sent message, failing the test if
// nothing was sent
func (d *mockDiscordSession) lastSent(t testing.TB) sentMessage {
	t.Helper()
	sent := d.Sent()
	require.NotEmpty(t, sent, "expected a message to be sent")
	return sent[len(sent)-1]
}

func (d *mockDiscordSession) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
	d.deleted = nil
	d.responses = nil
	d.followups = nil
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	cfg := DefaultTestConfig(t)
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = newMockDiscordSession()

	connect := d.handlerConnect()
	disconnect := d.handlerDisconnect()

	assert.False(t, d.connected.Load())
	connect(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	disconnect(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())

	connect(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(2), d.metricConnects.Load())
}

func TestDiscord_HandlerReadySetsStatus(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.CustomStatus = "!help for commands"
	session := newMockDiscordSession()
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = session

	d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: testBotUserID}})
	assert.Equal(t, "!help for commands", session.customStatus)
}

func TestDiscord_RegisterCommands(t *testing.T) {
	cfg := DefaultTestConfig(t)
	session := newMockDiscordSession()
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = session

	_, err := d.registerCommands(nil)
	require.Error(t, err)

	created, err := d.registerCommands(
		[]*discordgo.ApplicationCommand{
			{Name: "help", Description: "Lists commands"},
		},
	)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "help", created[0].Name)
}

func TestDiscord_AddRemoveHandlers(t *testing.T) {
	cfg := DefaultTestConfig(t)
	session := newMockDiscordSession()
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = session

	d.addHandler(d.handlerConnect())
	d.addHandler(d.handlerDisconnect())
	assert.Equal(t, 2, session.handlers)

	d.removeHandlers()
	assert.Equal(t, 0, session.handlers)
	assert.Empty(t, d.discordgoRemoveHandlerFuncs)
}

func TestIsNotFound(t *testing.T) {
	notFound := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}

	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", notFound)))
	assert.False(t, isNotFound(forbidden))
	assert.False(t, isNotFound(fmt.Errorf("other")))
}
