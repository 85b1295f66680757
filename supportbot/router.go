package supportbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// silentFlag, as the last token of a tag line, deletes the invoking
// message and posts the tag as a plain message
const silentFlag = "-s"

const (
	msgUnknownCommandFormat = "Unknown command '%s'. Use %shelp to see all commands."
	msgUsageFormat          = "Usage: `%s`"
	msgPRTutorialFormat     = "Tip: you can use `%spr %d` to show a pull request."
)

// routeOutcome is what the router did with a message
type routeOutcome int

const (
	routeIgnored routeOutcome = iota
	routeOtherGuild
	routeSelfEcho
	routeOtherBot
	routeModsLoaded
	routeInviteTutorial
	routePRLink
	routeEscaped
	routeTag
	routeUnknownCommand
	routeDenied
	routeHelp
	routeUsage
	routeCommand
)

var routeOutcomeNames = map[routeOutcome]string{
	routeIgnored:        "ignored",
	routeOtherGuild:     "other_guild",
	routeSelfEcho:       "self_echo",
	routeOtherBot:       "other_bot",
	routeModsLoaded:     "mods_loaded",
	routeInviteTutorial: "invite_tutorial",
	routePRLink:         "pr_link",
	routeEscaped:        "escaped",
	routeTag:            "tag",
	routeUnknownCommand: "unknown_command",
	routeDenied:         "denied",
	routeHelp:           "help",
	routeUsage:          "usage",
	routeCommand:        "command",
}

func (r routeOutcome) String() string {
	if name, ok := routeOutcomeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("routeOutcome(%d)", int(r))
}

// tagDelivery is how a tag response gets posted
type tagDelivery int

const (
	// deliverThreaded replies to the invoking message
	deliverThreaded tagDelivery = iota

	// deliverQuoted deletes the invoking message and replies to the
	// message it was replying to
	deliverQuoted

	// deliverSilent deletes the invoking message and posts a plain message
	deliverSilent
)

// CommandRouter turns inbound messages and interactions into tag
// replies and command invocations. Checks run in a fixed order and the
// first that applies decides what happens to the message.
type CommandRouter struct {
	session    DiscordSessionHandler
	registry   *CommandRegistry
	keywords   *KeywordStore
	directory  *DirectoryStore
	classifier *ModVersionClassifier
	gate       PermissionGate
	undo       *undoTable
	pending    *pendingMessages
	deleter    *delayedDeleter
	config     *DiscordConfig
	timing     *TimingConfig
	prPattern  *regexp.Regexp
	logger     *slog.Logger

	// botUserID is the bot's own user ID, for recognizing its own messages
	botUserID string

	// background tracks work started off the gateway callback, so
	// shutdown can wait on it
	background *sync.WaitGroup
}

func (r *CommandRouter) trigger() string {
	if r.config.CommandTrigger == "" {
		return DefaultCommandTrigger
	}
	return r.config.CommandTrigger
}

func (r *CommandRouter) inGuild(guildID string) bool {
	return r.config.GuildID == "" || guildID == r.config.GuildID
}

// HandleMessage routes a message from the gateway
func (r *CommandRouter) HandleMessage(ctx context.Context, m *discordgo.Message) routeOutcome {
	logger := r.logger.With(slog.Any("message", messageLogValue(m)))
	ctx = WithLogger(ctx, logger)

	if !r.inGuild(m.GuildID) {
		return routeOtherGuild
	}
	if m.Author == nil {
		return routeIgnored
	}
	if r.botUserID != "" && m.Author.ID == r.botUserID {
		r.pending.Resolve(m)
		return routeSelfEcho
	}
	if m.Author.Bot {
		return routeOtherBot
	}

	content := strings.TrimSpace(m.Content)
	trigger := r.trigger()

	if !strings.HasPrefix(content, trigger) {
		if ContainsModsLoaded(content) {
			r.classifyInBackground(ctx, m)
			return routeModsLoaded
		}
		if entry, ok := r.directory.FindInvite(content); ok {
			r.sendInviteTutorial(ctx, m, entry)
			return routeInviteTutorial
		}
		if n, ok := findPRNumber(r.prPattern, content); ok {
			r.handlePRLink(ctx, m, n)
			return routePRLink
		}
		return routeIgnored
	}
	if strings.HasPrefix(content[len(trigger):], trigger) {
		return routeEscaped
	}

	line := strings.TrimSpace(content[len(trigger):])
	if line == "" {
		return routeIgnored
	}
	token, remainder := splitFirstField(line)
	cmd, ok := r.registry.Resolve(token)
	if !ok {
		return r.handleTag(ctx, m, line)
	}

	ev := newTextCommandEvent(r.session, m, remainder, logger.With("command", cmd.Name))
	return r.dispatch(ctx, cmd, ev, remainder)
}

// dispatch gates a resolved text command, then runs it
func (r *CommandRouter) dispatch(
	ctx context.Context,
	cmd *CommandDescriptor,
	ev CommandEvent,
	remainder string,
) routeOutcome {
	decision := r.gate.Check(cmd, ev.ActorRoleIDs(), ev.ChannelID())
	if decision == gateDenyPermission {
		r.deny(ctx, ev, decision)
		return routeDenied
	}
	if strings.TrimSpace(remainder) == helpFlag {
		if _, err := ev.ReplyEmbed(ctx, helpEmbed(cmd, r.trigger())); err != nil {
			ev.Logger().ErrorContext(ctx, "error sending help", tint.Err(err))
		}
		return routeHelp
	}
	if decision != gateAllow {
		r.deny(ctx, ev, decision)
		return routeDenied
	}

	args, ok := cmd.arguments(ev.Input())
	if !ok {
		r.replyUsage(ctx, ev, cmd)
		return routeUsage
	}
	r.invoke(ctx, cmd, ev, args)
	return routeCommand
}

func (r *CommandRouter) deny(ctx context.Context, ev CommandEvent, decision gateDecision) {
	denied := r.gate.denial(decision)
	ev.Logger().InfoContext(
		ctx,
		"command denied",
		"decision", decision.String(),
		"actor_id", ev.ActorID(),
		tint.Err(denied),
	)
	if err := ev.ReplyEphemeral(ctx, userMessage(denied)); err != nil {
		ev.Logger().ErrorContext(ctx, "error sending denial", tint.Err(err))
	}
}

func (r *CommandRouter) replyUsage(ctx context.Context, ev CommandEvent, cmd *CommandDescriptor) {
	if err := ev.ReplyEphemeral(ctx, fmt.Sprintf(msgUsageFormat, cmd.Usage(r.trigger()))); err != nil {
		ev.Logger().ErrorContext(ctx, "error sending usage", tint.Err(err))
	}
}

// invoke runs the handler. Errors and panics are reported back to the
// actor and never escape.
func (r *CommandRouter) invoke(
	ctx context.Context,
	cmd *CommandDescriptor,
	ev CommandEvent,
	args CommandArgs,
) {
	logger := ev.Logger()
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			if _, err := ev.Reply(ctx, fmt.Sprintf("Error: %v", rc)); err != nil {
				logger.ErrorContext(ctx, "error reporting panic", tint.Err(err))
			}
		}
	}()

	logger.InfoContext(ctx, "running command", "actor_id", ev.ActorID(), "args", args)
	err := cmd.Handler(ctx, ev, args)
	if err == nil {
		return
	}
	if errors.Is(err, ErrValidation) {
		logger.InfoContext(ctx, "command rejected", tint.Err(err))
	} else {
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
	}
	if _, replyErr := ev.Reply(ctx, userMessage(err)); replyErr != nil {
		logger.ErrorContext(ctx, "error reporting command error", tint.Err(replyErr))
	}
}

// handleTag looks up the line as a tag. line is the message without
// the trigger.
func (r *CommandRouter) handleTag(ctx context.Context, m *discordgo.Message, line string) routeOutcome {
	logger := loggerFrom(ctx, r.logger)

	delivery := deliverThreaded
	keyword := line
	if fields := strings.Fields(line); len(fields) > 1 && fields[len(fields)-1] == silentFlag {
		keyword = strings.Join(fields[:len(fields)-1], " ")
		delivery = deliverSilent
	}
	if m.MessageReference != nil {
		delivery = deliverQuoted
	}

	response, ok := r.keywords.Get(keyword)
	if !ok {
		if !r.gate.IsStaff(memberRoles(m)) {
			return routeIgnored
		}
		token, _ := splitFirstField(line)
		_, err := r.session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:         fmt.Sprintf(msgUnknownCommandFormat, token, r.trigger()),
				Reference:       m.Reference(),
				AllowedMentions: noMentions(),
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.ErrorContext(ctx, "error sending unknown command notice", tint.Err(err))
		}
		return routeUnknownCommand
	}

	sent, err := r.deliverTag(ctx, m, response, delivery)
	if err != nil {
		logger.ErrorContext(ctx, "error sending tag", "keyword", keyword, tint.Err(err))
		return routeTag
	}
	logger.InfoContext(ctx, "sent tag", "keyword", keyword, "delivery", int(delivery))
	if sent != nil {
		r.undo.Remember(m.Author.ID, sent.ChannelID, sent.ID)
	}
	return routeTag
}

func (r *CommandRouter) deliverTag(
	ctx context.Context,
	m *discordgo.Message,
	response string,
	delivery tagDelivery,
) (*discordgo.Message, error) {
	data := &discordgo.MessageSend{
		Content:         shortenString(response, discordMaxMessageLength),
		AllowedMentions: noMentions(),
	}
	switch delivery {
	case deliverQuoted:
		_ = r.deleter.deleteMessage(ctx, m.ChannelID, m.ID)
		ref := *m.MessageReference
		if ref.ChannelID == "" {
			ref.ChannelID = m.ChannelID
		}
		data.Reference = &ref
		data.AllowedMentions = &discordgo.MessageAllowedMentions{
			Parse:       []discordgo.AllowedMentionType{},
			RepliedUser: true,
		}
	case deliverSilent:
		_ = r.deleter.deleteMessage(ctx, m.ChannelID, m.ID)
	default:
		data.Reference = m.Reference()
	}
	sent, err := r.session.ChannelMessageSendComplex(m.ChannelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if sent != nil && sent.ChannelID == "" {
		sent.ChannelID = m.ChannelID
	}
	return sent, nil
}

func (r *CommandRouter) sendInviteTutorial(ctx context.Context, m *discordgo.Message, entry DirectoryEntry) {
	_, err := r.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{serverTutorialEmbed(entry, r.trigger())},
			Reference:       m.Reference(),
			AllowedMentions: noMentions(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		loggerFrom(ctx, r.logger).ErrorContext(ctx, "error sending invite tutorial", tint.Err(err))
	}
}

// handlePRLink shows a linked PR the same way the pr command does, then
// posts a short tip about the command which deletes itself once the
// gateway echoes it back and the delay passes.
func (r *CommandRouter) handlePRLink(ctx context.Context, m *discordgo.Message, number int) {
	cmd, ok := r.registry.Resolve("pr")
	if !ok {
		return
	}
	ev := newTextCommandEvent(r.session, m, strconv.Itoa(number), loggerFrom(ctx, r.logger).With("command", cmd.Name))
	r.invoke(ctx, cmd, ev, CommandArgs{"number": strconv.Itoa(number)})

	tip := fmt.Sprintf(msgPRTutorialFormat, r.trigger(), number)
	r.pending.Expect(
		tip, func(echo *discordgo.Message) {
			r.deleter.Schedule(echo.ChannelID, echo.ID, r.timing.TutorialDeleteDelay)
		},
	)
	if _, err := r.session.ChannelMessageSend(m.ChannelID, tip, discordgo.WithContext(ctx)); err != nil {
		loggerFrom(ctx, r.logger).ErrorContext(ctx, "error sending pr tutorial", tint.Err(err))
	}
}

// classifyInBackground checks a pasted "Mods Loaded" block off the
// gateway callback, since it may have to load the catalog first
func (r *CommandRouter) classifyInBackground(ctx context.Context, m *discordgo.Message) {
	if r.classifier == nil {
		return
	}
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		r.classifyMessage(ctx, m)
	}()
}

func (r *CommandRouter) classifyMessage(ctx context.Context, m *discordgo.Message) {
	logger := loggerFrom(ctx, r.logger)
	report, err := r.classifier.Classify(ctx, m.Content)
	if err != nil {
		logger.WarnContext(ctx, "unable to classify mods", tint.Err(err))
		return
	}
	if report == nil || len(report.Results) == 0 {
		return
	}
	logger.InfoContext(ctx, "classified mods", "counts", report.Counts())

	if summary := report.PublicSummary(); summary != "" {
		_, err = r.session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:         shortenString(summary, discordMaxMessageLength),
				Reference:       m.Reference(),
				AllowedMentions: noMentions(),
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.ErrorContext(ctx, "error sending mod summary", tint.Err(err))
		}
	}

	support := report.SupportSummary()
	if support == "" || r.config.SupportChannelID == "" {
		return
	}
	link := fmt.Sprintf("https://discord.com/channels/%s/%s/%s", m.GuildID, m.ChannelID, m.ID)
	_, err = r.session.ChannelMessageSend(
		r.config.SupportChannelID,
		shortenString(fmt.Sprintf("Mods missing from the catalog in %s\n%s", link, support), discordMaxMessageLength),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending support notice", tint.Err(err))
	}
}

// HandleInteraction routes a slash command interaction
func (r *CommandRouter) HandleInteraction(ctx context.Context, i *discordgo.Interaction) routeOutcome {
	if i.Type != discordgo.InteractionApplicationCommand {
		return routeIgnored
	}
	if !r.inGuild(i.GuildID) {
		return routeOtherGuild
	}
	data := i.ApplicationCommandData()
	cmd, ok := r.registry.Resolve(data.Name)
	if !ok {
		r.logger.WarnContext(ctx, "unknown slash command", "command", data.Name)
		return routeIgnored
	}

	logger := r.logger.With(
		"command", cmd.Name,
		"interaction_id", i.ID,
		"channel_id", i.ChannelID,
	)
	ctx = WithLogger(ctx, logger)
	ev := newSlashCommandEvent(r.session, i, logger)

	decision := r.gate.Check(cmd, ev.ActorRoleIDs(), ev.ChannelID())
	if decision != gateAllow {
		r.deny(ctx, ev, decision)
		return routeDenied
	}
	args, ok := cmd.arguments(ev.Input())
	if !ok {
		r.replyUsage(ctx, ev, cmd)
		return routeUsage
	}
	r.invoke(ctx, cmd, ev, args)
	return routeCommand
}

func memberRoles(m *discordgo.Message) []string {
	if m.Member == nil {
		return nil
	}
	return m.Member.Roles
}
