package supportbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"strconv"
	"strings"
)

const (
	msgNoUndo           = "No message to undo found!"
	msgReloadRunning    = "The mod catalog is already being updated."
	msgCatalogLoading   = "The mod catalog is still loading, try again in a moment."
	noInvitePlaceholder = "-"
)

// commandCatalog is every command the bot registers, in the order
// they're listed in help
func (b *Bot) commandCatalog() []CommandDescriptor {
	return []CommandDescriptor{
		{
			Name:        "help",
			Aliases:     []string{"commands"},
			Description: "Lists commands, or shows help for one command",
			Parameters: []CommandParameter{
				{Name: "command", Description: "Command to show help for"},
			},
			Tier:    TierPublic,
			Handler: b.cmdHelp,
		},
		{
			Name:        "taglist",
			Aliases:     []string{"tags"},
			Description: "Lists all tags",
			Tier:        TierPublic,
			Handler:     b.cmdTagList,
		},
		{
			Name:        "tagadd",
			Aliases:     []string{"tagedit"},
			Description: "Adds a tag, or changes its response",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Tag keyword", Required: true},
				{Name: "response", Description: "Text to reply with", Required: true},
			},
			Tier:    TierStaff,
			Mutates: true,
			Handler: b.cmdTagAdd,
		},
		{
			Name:        "tagdelete",
			Aliases:     []string{"tagremove"},
			Description: "Deletes a tag",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Tag keyword", Required: true},
			},
			Tier:    TierStaff,
			Mutates: true,
			Handler: b.cmdTagDelete,
		},
		{
			Name:        "undo",
			Description: "Deletes the last tag reply you triggered",
			Tier:        TierPublic,
			Handler:     b.cmdUndo,
		},
		{
			Name:        "server",
			Description: "Shows a discord server's invite",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Server keyword or alias", Required: true},
			},
			Tier:    TierPublic,
			Handler: b.cmdServer,
		},
		{
			Name:        "serverlist",
			Aliases:     []string{"servers"},
			Description: "Lists known discord servers",
			Tier:        TierPublic,
			Handler:     b.cmdServerList,
		},
		{
			Name:        "serveradd",
			Aliases:     []string{"serveredit"},
			Description: "Adds a discord server, or changes it",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Server keyword", Required: true},
				{Name: "name", Description: "Display name (quote it if it has spaces)", Required: true},
				{Name: "invite", Description: "Invite link, or - for none", Required: true},
				{Name: "description", Description: "Description", Required: true},
			},
			Tier:    TierStaff,
			Mutates: true,
			Handler: b.cmdServerAdd,
		},
		{
			Name:        "serverdelete",
			Description: "Deletes a discord server and its aliases",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Server keyword", Required: true},
			},
			Tier:    TierStaff,
			Mutates: true,
			Handler: b.cmdServerDelete,
		},
		{
			Name:        "serveraliasadd",
			Description: "Adds an alias for a discord server",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Server keyword", Required: true},
				{Name: "alias", Description: "New alias", Required: true},
			},
			Tier:    TierStaff,
			Mutates: true,
			Handler: b.cmdServerAliasAdd,
		},
		{
			Name:        "serveraliasdelete",
			Description: "Removes an alias from a discord server",
			Parameters: []CommandParameter{
				{Name: "keyword", Description: "Server keyword", Required: true},
				{Name: "alias", Description: "Alias to remove", Required: true},
			},
			Tier:    TierStaff,
			Mutates: true,
			Handler: b.cmdServerAliasDelete,
		},
		{
			Name:        "serverduplicates",
			Description: "Lists keywords, names and aliases used by more than one server",
			Tier:        TierStaff,
			Handler:     b.cmdServerDuplicates,
		},
		{
			Name:        "serversync",
			Description: "Imports the server list from the catalog repository",
			Tier:        TierStaff,
			Mutates:     true,
			Handler:     b.cmdServerSync,
		},
		{
			Name:        "pr",
			Description: "Shows a pull request",
			Parameters: []CommandParameter{
				{Name: "number", Description: "Pull request number", Required: true},
			},
			Tier:    TierPublic,
			Handler: b.cmdPR,
		},
		{
			Name:        "prdownload",
			Description: "Uploads the build of a pull request",
			Parameters: []CommandParameter{
				{Name: "number", Description: "Pull request number", Required: true},
			},
			Tier:    TierStaff,
			Handler: b.cmdPRDownload,
		},
		{
			Name:        "updatemods",
			Aliases:     []string{"reloadmods"},
			Description: "Reloads the mod catalog",
			Tier:        TierStaff,
			Handler:     b.cmdUpdateMods,
		},
		{
			Name:        "modcheck",
			Description: "Checks a Mods Loaded list and shows every result",
			Parameters: []CommandParameter{
				{Name: "text", Description: "Mods Loaded list, or reply to a message with one"},
			},
			Tier:    TierStaff,
			Handler: b.cmdModCheck,
		},
	}
}

// registerCommands adds the command catalog to the registry
func (b *Bot) registerCommands() error {
	var errs []error
	for _, cmd := range b.commandCatalog() {
		errs = append(errs, b.registry.Register(cmd))
	}
	return errors.Join(errs...)
}

func (b *Bot) trigger() string {
	return b.router.trigger()
}

func (b *Bot) cmdHelp(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	staff := b.router.gate.IsStaff(ev.ActorRoleIDs())
	if name := args.Get("command"); name != "" {
		name = strings.TrimPrefix(name, b.trigger())
		cmd, ok := b.registry.Resolve(name)
		if !ok || (cmd.Tier == TierStaff && !staff) {
			return validationErrorf("Unknown command '%s'.", name)
		}
		_, err := ev.ReplyEmbed(ctx, helpEmbed(cmd, b.trigger()))
		return err
	}

	var visible []*CommandDescriptor
	for _, cmd := range b.registry.All() {
		if cmd.Tier == TierStaff && !staff {
			continue
		}
		visible = append(visible, cmd)
	}
	_, err := ev.ReplyEmbed(ctx, helpListEmbed(visible, b.trigger()))
	return err
}

func (b *Bot) cmdTagList(ctx context.Context, ev CommandEvent, _ CommandArgs) error {
	keywords := b.keywords.List()
	if len(keywords) == 0 {
		_, err := ev.Reply(ctx, "There are no tags yet.")
		return err
	}
	_, err := ev.Reply(
		ctx,
		fmt.Sprintf("Tags (%d): %s", len(keywords), strings.Join(keywords, ", ")),
	)
	return err
}

func (b *Bot) cmdTagAdd(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	keyword := normalizeKeyword(args.Get("keyword"))
	_, existed := b.keywords.Get(keyword)
	if _, err := b.keywords.Add(ctx, keyword, args.Get("response")); err != nil {
		return err
	}
	verb := "added"
	if existed {
		verb = "updated"
	}
	ev.Logger().InfoContext(ctx, "tag saved", "keyword", keyword, "actor_id", ev.ActorID(), "verb", verb)
	_, err := ev.Reply(ctx, fmt.Sprintf("Tag '%s' %s.", keyword, verb))
	return err
}

func (b *Bot) cmdTagDelete(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	keyword := normalizeKeyword(args.Get("keyword"))
	deleted, err := b.keywords.Delete(ctx, keyword)
	if err != nil {
		return err
	}
	if !deleted {
		return validationErrorf("Tag '%s' doesn't exist.", keyword)
	}
	_, err = ev.Reply(ctx, fmt.Sprintf("Tag '%s' deleted.", keyword))
	return err
}

// cmdUndo deletes the actor's last tag reply. If there's nothing to
// undo, the notice and the invoking message clean themselves up.
func (b *Bot) cmdUndo(ctx context.Context, ev CommandEvent, _ CommandArgs) error {
	trigger := ev.TriggerMessage()
	rec, ok := b.undo.Peek(ev.ActorID())
	if ok {
		if err := b.deleter.deleteMessage(ctx, rec.ChannelID, rec.MessageID); err != nil {
			return err
		}
		b.undo.Forget(ev.ActorID(), rec.MessageID)
		if trigger != nil {
			_ = b.deleter.deleteMessage(ctx, trigger.ChannelID, trigger.ID)
			return nil
		}
		return ev.ReplyEphemeral(ctx, "Deleted your last tag reply.")
	}

	if trigger == nil {
		return ev.ReplyEphemeral(ctx, msgNoUndo)
	}
	placeholder, err := ev.Reply(ctx, msgNoUndo)
	if err != nil {
		return err
	}
	delay := b.config.Timing.PlaceholderDeleteDelay
	if placeholder != nil {
		b.deleter.Schedule(placeholder.ChannelID, placeholder.ID, delay)
	}
	b.deleter.Schedule(trigger.ChannelID, trigger.ID, delay)
	return nil
}

func (b *Bot) cmdServer(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	entry, ok := b.directory.Get(args.Get("keyword"))
	if !ok {
		return validationErrorf("Server '%s' not found.", args.Get("keyword"))
	}
	_, err := ev.ReplyEmbed(ctx, serverEmbed(entry))
	return err
}

func (b *Bot) cmdServerList(ctx context.Context, ev CommandEvent, _ CommandArgs) error {
	entries := b.directory.List()
	if len(entries) == 0 {
		_, err := ev.Reply(ctx, "There are no servers yet.")
		return err
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, fmt.Sprintf("Servers (%d):", len(entries)))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("`%s` %s", e.Keyword, e.DisplayName))
	}
	_, err := ev.Reply(ctx, strings.Join(lines, "\n"))
	return err
}

func (b *Bot) cmdServerAdd(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	invite := args.Get("invite")
	if invite == noInvitePlaceholder {
		invite = ""
	}
	entry := DirectoryEntry{
		Keyword:     args.Get("keyword"),
		DisplayName: args.Get("name"),
		InviteLink:  invite,
		Description: args.Get("description"),
	}
	_, existed := b.directory.Get(entry.Keyword)
	if _, err := b.directory.Upsert(ctx, entry); err != nil {
		return err
	}
	verb := "added"
	if existed {
		verb = "updated"
	}
	_, err := ev.Reply(ctx, fmt.Sprintf("Server '%s' %s.", normalizeKeyword(entry.Keyword), verb))
	return err
}

func (b *Bot) cmdServerDelete(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	keyword := normalizeKeyword(args.Get("keyword"))
	deleted, err := b.directory.Delete(ctx, keyword)
	if err != nil {
		return err
	}
	if !deleted {
		return validationErrorf("Server '%s' doesn't exist.", keyword)
	}
	_, err = ev.Reply(ctx, fmt.Sprintf("Server '%s' deleted.", keyword))
	return err
}

func (b *Bot) cmdServerAliasAdd(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	keyword := normalizeKeyword(args.Get("keyword"))
	alias := normalizeKeyword(args.Get("alias"))
	added, err := b.directory.AddAlias(ctx, keyword, alias)
	if err != nil {
		return err
	}
	if !added {
		if _, ok := b.directory.Get(keyword); !ok {
			return validationErrorf("Server '%s' doesn't exist.", keyword)
		}
		return validationErrorf("'%s' is already in use.", alias)
	}
	_, err = ev.Reply(ctx, fmt.Sprintf("Alias '%s' added to '%s'.", alias, keyword))
	return err
}

func (b *Bot) cmdServerAliasDelete(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	keyword := normalizeKeyword(args.Get("keyword"))
	alias := normalizeKeyword(args.Get("alias"))
	removed, err := b.directory.RemoveAlias(ctx, keyword, alias)
	if err != nil {
		return err
	}
	if !removed {
		return validationErrorf("'%s' is not an alias of '%s'.", alias, keyword)
	}
	_, err = ev.Reply(ctx, fmt.Sprintf("Alias '%s' removed from '%s'.", alias, keyword))
	return err
}

func duplicatesMessage(groups []DuplicateGroup) string {
	if len(groups) == 0 {
		return "No duplicates found."
	}
	lines := make([]string, 0, len(groups)+1)
	lines = append(lines, fmt.Sprintf("Found %d duplicates:", len(groups)))
	for _, g := range groups {
		lines = append(lines, "- "+g.String())
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) cmdServerDuplicates(ctx context.Context, ev CommandEvent, _ CommandArgs) error {
	_, err := ev.Reply(ctx, duplicatesMessage(b.directory.Duplicates()))
	return err
}

func (b *Bot) cmdServerSync(ctx context.Context, ev CommandEvent, _ CommandArgs) error {
	entries, err := b.catalogSource.FetchServerCatalog(ctx)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return err
		}
		return userError{kind: ErrExternalService, msg: "Could not load the server catalog."}
	}
	report, err := b.directory.Import(ctx, entries)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Imported %d servers and %d aliases.", report.Servers, report.Aliases)
	if len(report.Conflicts) > 0 {
		fmt.Fprintf(&sb, "\nSkipped %d:", len(report.Conflicts))
		for _, c := range report.Conflicts {
			sb.WriteString("\n- " + c)
		}
	}
	sb.WriteString("\n" + duplicatesMessage(b.directory.Duplicates()))
	_, err = ev.Reply(ctx, sb.String())
	return err
}

func parsePRNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || n <= 0 {
		return 0, validationErrorf("'%s' is not a valid PR number.", s)
	}
	return n, nil
}

func (b *Bot) cmdPR(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	number, err := parsePRNumber(args.Get("number"))
	if err != nil {
		return err
	}
	pr, err := b.github.PullRequest(ctx, number)
	if err != nil {
		return err
	}

	var runs []CheckRun
	var artifacts []Artifact
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			var e error
			runs, e = b.github.CheckRuns(gctx, pr.Head.SHA)
			return e
		},
	)
	g.Go(
		func() error {
			var e error
			artifacts, e = b.github.Artifacts(gctx, pr.Head.SHA)
			return e
		},
	)
	if err = g.Wait(); err != nil {
		ev.Logger().WarnContext(ctx, "error loading pr details", "pr", number, tint.Err(err))
	}

	_, err = ev.ReplyEmbed(ctx, prEmbed(pr, runs, artifacts))
	return err
}

func (b *Bot) cmdPRDownload(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	number, err := parsePRNumber(args.Get("number"))
	if err != nil {
		return err
	}
	pr, err := b.github.PullRequest(ctx, number)
	if err != nil {
		return err
	}
	artifacts, err := b.github.Artifacts(ctx, pr.Head.SHA)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return validationErrorf("PR #%d has no build artifacts.", number)
	}

	artifact := artifacts[0]
	job := &ArtifactJob{
		PRNumber:     number,
		ArtifactID:   artifact.ID,
		ArtifactName: artifact.Name,
		ChannelID:    ev.ChannelID(),
		RequestedBy:  ev.ActorID(),
	}
	if m := ev.TriggerMessage(); m != nil {
		job.Reference = m.Reference()
	}
	position, err := b.artifactQueue.Push(ctx, job)
	if err != nil {
		return err
	}
	_, err = ev.Reply(
		ctx,
		fmt.Sprintf("Downloading `%s` for PR #%d (queue position %d).", artifact.Name, number, position),
	)
	return err
}

// cmdUpdateMods starts a catalog reload in the background and reports
// the result when it's done
func (b *Bot) cmdUpdateMods(ctx context.Context, ev CommandEvent, _ CommandArgs) error {
	if b.classifier.Reloading() {
		_, err := ev.Reply(ctx, msgReloadRunning)
		return err
	}
	if _, err := ev.Reply(ctx, "Updating the mod catalog..."); err != nil {
		return err
	}

	b.background.Add(1)
	go func() {
		defer b.background.Done()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		msg := b.reloadModCatalog(ctx)
		if _, err := ev.Reply(ctx, msg); err != nil {
			ev.Logger().ErrorContext(ctx, "error reporting reload", tint.Err(err))
		}
	}()
	return nil
}

func (b *Bot) reloadModCatalog(ctx context.Context) string {
	catalog, err := b.classifier.Reload(ctx)
	switch {
	case errors.Is(err, ErrReloadInProgress):
		return msgReloadRunning
	case err != nil:
		return "Could not load the mod catalog."
	default:
		return fmt.Sprintf(
			"Loaded %d versions of %d mods.",
			len(catalog.Entries),
			catalog.ModCount(),
		)
	}
}

// loadModCatalogInBackground starts a catalog load off the gateway
// callback. It does nothing if a load is already running.
func (b *Bot) loadModCatalogInBackground(ctx context.Context) {
	if b.classifier.Reloading() {
		return
	}
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		if _, err := b.classifier.Reload(ctx); err != nil && !errors.Is(err, ErrReloadInProgress) {
			b.logger.WarnContext(ctx, "mod catalog load failed", tint.Err(err))
		}
	}()
}

func (b *Bot) cmdModCheck(ctx context.Context, ev CommandEvent, args CommandArgs) error {
	text := args.Get("text")
	if text == "" && ev.IsReply() {
		if m := ev.TriggerMessage(); m.ReferencedMessage != nil {
			text = m.ReferencedMessage.Content
		}
	}
	if text == "" {
		return validationErrorf("Paste a Mods Loaded list, or reply to a message with one.")
	}

	mods, ok := ParseModsLoaded(text)
	if !ok {
		return validationErrorf("No '%s' list found.", modsLoadedHeader)
	}
	catalog := b.classifier.Catalog()
	if catalog == nil {
		b.loadModCatalogInBackground(ctx)
		return userError{kind: ErrCatalogNotLoaded, msg: msgCatalogLoading}
	}
	report := ClassifyMods(catalog, mods)
	_, err := ev.ReplyEmbed(
		ctx, &discordgo.MessageEmbed{
			Title:       "Mod check",
			Description: shortenString(report.DebugDump(), embedDescriptionLimit),
			Color:       colorDefault,
		},
	)
	return err
}
