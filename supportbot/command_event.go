package supportbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"sync"
)

// CommandInput is how a command's arguments arrived: a TextInput for
// prefixed chat messages, or a StructuredInput for slash commands.
type CommandInput interface {
	commandInput()
}

// TextInput holds the text following the command name
type TextInput struct {
	RawArgs string
}

func (TextInput) commandInput() {}

// StructuredInput holds slash command options, by name
type StructuredInput struct {
	Options map[string]string
}

func (StructuredInput) commandInput() {}

// CommandEvent is what a command handler sees of the message or
// interaction that invoked it. Text messages and slash commands each
// have an adapter, so handlers are written once.
type CommandEvent interface {
	Input() CommandInput

	// Reply responds to the invocation. Text commands get a threaded
	// reply, slash commands an interaction response.
	Reply(ctx context.Context, content string) (*discordgo.Message, error)
	ReplyEmbed(ctx context.Context, embed *discordgo.MessageEmbed) (*discordgo.Message, error)

	// ReplyEphemeral replies so only the actor sees the response, where
	// the transport supports it
	ReplyEphemeral(ctx context.Context, content string) error

	ActorID() string
	ActorRoleIDs() []string
	ChannelID() string
	GuildID() string

	// IsReply is true for a text command sent as a reply to another message
	IsReply() bool

	// TriggerMessage is the message which invoked the command. It's nil
	// for slash commands.
	TriggerMessage() *discordgo.Message

	Logger() *slog.Logger
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

// textCommandEvent adapts a chat message to CommandEvent
type textCommandEvent struct {
	session DiscordSessionHandler
	message *discordgo.Message
	input   TextInput
	logger  *slog.Logger
}

func newTextCommandEvent(
	session DiscordSessionHandler,
	m *discordgo.Message,
	rawArgs string,
	logger *slog.Logger,
) *textCommandEvent {
	return &textCommandEvent{
		session: session,
		message: m,
		input:   TextInput{RawArgs: rawArgs},
		logger:  logger,
	}
}

func (e *textCommandEvent) Input() CommandInput {
	return e.input
}

func (e *textCommandEvent) send(ctx context.Context, data *discordgo.MessageSend) (
	*discordgo.Message,
	error,
) {
	data.Reference = e.message.Reference()
	data.AllowedMentions = noMentions()
	return e.session.ChannelMessageSendComplex(
		e.message.ChannelID,
		data,
		discordgo.WithContext(ctx),
	)
}

func (e *textCommandEvent) Reply(ctx context.Context, content string) (
	*discordgo.Message,
	error,
) {
	return e.send(
		ctx,
		&discordgo.MessageSend{Content: shortenString(content, discordMaxMessageLength)},
	)
}

func (e *textCommandEvent) ReplyEmbed(
	ctx context.Context,
	embed *discordgo.MessageEmbed,
) (*discordgo.Message, error) {
	return e.send(ctx, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}})
}

func (e *textCommandEvent) ReplyEphemeral(ctx context.Context, content string) error {
	_, err := e.Reply(ctx, content)
	return err
}

func (e *textCommandEvent) ActorID() string {
	if e.message.Author == nil {
		return ""
	}
	return e.message.Author.ID
}

func (e *textCommandEvent) ActorRoleIDs() []string {
	if e.message.Member == nil {
		return nil
	}
	return e.message.Member.Roles
}

func (e *textCommandEvent) ChannelID() string {
	return e.message.ChannelID
}

func (e *textCommandEvent) GuildID() string {
	return e.message.GuildID
}

func (e *textCommandEvent) IsReply() bool {
	return e.message.MessageReference != nil
}

func (e *textCommandEvent) TriggerMessage() *discordgo.Message {
	return e.message
}

func (e *textCommandEvent) Logger() *slog.Logger {
	return e.logger
}

// slashCommandEvent adapts an application command interaction to
// CommandEvent. The first reply is the interaction response, later
// replies are followup messages.
type slashCommandEvent struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
	input       StructuredInput
	logger      *slog.Logger

	mu        sync.Mutex
	responded bool
}

func newSlashCommandEvent(
	session DiscordSessionHandler,
	i *discordgo.Interaction,
	logger *slog.Logger,
) *slashCommandEvent {
	options := map[string]string{}
	if i.Type == discordgo.InteractionApplicationCommand {
		for _, opt := range i.ApplicationCommandData().Options {
			if opt.Type == discordgo.ApplicationCommandOptionString {
				options[opt.Name] = opt.StringValue()
			}
		}
	}
	return &slashCommandEvent{
		session:     session,
		interaction: i,
		input:       StructuredInput{Options: options},
		logger:      logger,
	}
}

func (e *slashCommandEvent) Input() CommandInput {
	return e.input
}

func (e *slashCommandEvent) respond(
	ctx context.Context,
	content string,
	embeds []*discordgo.MessageEmbed,
	flags discordgo.MessageFlags,
) (*discordgo.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	content = shortenString(content, discordMaxMessageLength)
	if !e.responded {
		err := e.session.InteractionRespond(
			e.interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content:         content,
					Embeds:          embeds,
					Flags:           flags,
					AllowedMentions: noMentions(),
				},
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, err
		}
		e.responded = true
		return nil, nil
	}
	return e.session.FollowupMessageCreate(
		e.interaction,
		true,
		&discordgo.WebhookParams{
			Content:         content,
			Embeds:          embeds,
			Flags:           flags,
			AllowedMentions: noMentions(),
		},
		discordgo.WithContext(ctx),
	)
}

func (e *slashCommandEvent) Reply(ctx context.Context, content string) (
	*discordgo.Message,
	error,
) {
	return e.respond(ctx, content, nil, 0)
}

func (e *slashCommandEvent) ReplyEmbed(
	ctx context.Context,
	embed *discordgo.MessageEmbed,
) (*discordgo.Message, error) {
	return e.respond(ctx, "", []*discordgo.MessageEmbed{embed}, 0)
}

func (e *slashCommandEvent) ReplyEphemeral(ctx context.Context, content string) error {
	_, err := e.respond(ctx, content, nil, discordgo.MessageFlagsEphemeral)
	return err
}

func (e *slashCommandEvent) ActorID() string {
	if e.interaction.Member != nil && e.interaction.Member.User != nil {
		return e.interaction.Member.User.ID
	}
	if e.interaction.User != nil {
		return e.interaction.User.ID
	}
	return ""
}

func (e *slashCommandEvent) ActorRoleIDs() []string {
	if e.interaction.Member == nil {
		return nil
	}
	return e.interaction.Member.Roles
}

func (e *slashCommandEvent) ChannelID() string {
	return e.interaction.ChannelID
}

func (e *slashCommandEvent) GuildID() string {
	return e.interaction.GuildID
}

func (*slashCommandEvent) IsReply() bool {
	return false
}

func (*slashCommandEvent) TriggerMessage() *discordgo.Message {
	return nil
}

func (e *slashCommandEvent) Logger() *slog.Logger {
	return e.logger
}
