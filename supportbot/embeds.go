package supportbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"time"
)

const (
	colorDefault = 0x5865F2
	colorSuccess = 0x2ECC71
	colorWarning = 0xF1C40F
	colorFailure = 0xE74C3C
	colorMerged  = 0x8957E5
	colorNeutral = 0x95A5A6

	embedDescriptionLimit = 4096
	embedFieldValueLimit  = 1024
	embedMaxFields        = 25
)

func serverEmbed(entry DirectoryEntry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       entry.DisplayName,
		Description: shortenString(entry.Description, embedDescriptionLimit),
		Color:       colorDefault,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Keyword: " + entry.Keyword},
	}
	if entry.InviteLink != "" {
		embed.URL = entry.InviteLink
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Invite", Value: entry.InviteLink},
		)
	}
	if len(entry.Aliases) > 0 {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Aliases",
				Value: shortenString(strings.Join(entry.Aliases, ", "), embedFieldValueLimit),
			},
		)
	}
	return embed
}

// serverTutorialEmbed is posted when someone shares a known invite
// link, pointing out the shorter command.
func serverTutorialEmbed(entry DirectoryEntry, trigger string) *discordgo.MessageEmbed {
	embed := serverEmbed(entry)
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf("Tip: use %sserver %s to post this link next time", trigger, entry.Keyword),
	}
	return embed
}

func prColor(pr *PullRequest) int {
	switch {
	case pr.Merged:
		return colorMerged
	case pr.State == "closed":
		return colorFailure
	case pr.Draft:
		return colorNeutral
	default:
		return colorSuccess
	}
}

func prState(pr *PullRequest) string {
	switch {
	case pr.Merged:
		return "merged"
	case pr.Draft && pr.State == "open":
		return "draft"
	default:
		return pr.State
	}
}

// checkSummary condenses check runs into counts per outcome
func checkSummary(runs []CheckRun) string {
	if len(runs) == 0 {
		return "No checks"
	}
	var passed, failed, pending, other int
	for _, r := range runs {
		switch {
		case r.Status != "completed":
			pending++
		case r.Conclusion == "success" || r.Conclusion == "skipped" || r.Conclusion == "neutral":
			passed++
		case r.Conclusion == "failure" || r.Conclusion == "timed_out" || r.Conclusion == "cancelled":
			failed++
		default:
			other++
		}
	}
	parts := []string{fmt.Sprintf("%d passed", passed)}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", pending))
	}
	if other > 0 {
		parts = append(parts, fmt.Sprintf("%d other", other))
	}
	return strings.Join(parts, ", ")
}

func prEmbed(pr *PullRequest, runs []CheckRun, artifacts []Artifact) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       truncate(fmt.Sprintf("#%d %s", pr.Number, pr.Title), 256),
		URL:         pr.HTMLURL,
		Description: shortenString(pr.Body, 500),
		Color:       prColor(pr),
		Author: &discordgo.MessageEmbedAuthor{
			Name: pr.User.Login,
			URL:  pr.User.HTMLURL,
		},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "State", Value: prState(pr), Inline: true},
			{Name: "Checks", Value: checkSummary(runs), Inline: true},
		},
		Timestamp: pr.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if len(pr.Labels) > 0 {
		labels := make([]string, 0, len(pr.Labels))
		for _, l := range pr.Labels {
			labels = append(labels, l.Name)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Labels",
				Value: shortenString(strings.Join(labels, ", "), embedFieldValueLimit),
			},
		)
	}
	if len(artifacts) > 0 {
		lines := make([]string, 0, len(artifacts))
		for _, a := range artifacts {
			lines = append(
				lines,
				fmt.Sprintf("%s (%.1f MB)", a.Name, float64(a.SizeInBytes)/(1024*1024)),
			)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Artifacts",
				Value: shortenString(strings.Join(lines, "\n"), embedFieldValueLimit),
			},
		)
	}
	return embed
}

func helpEmbed(cmd *CommandDescriptor, trigger string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       trigger + cmd.Name,
		Description: cmd.Description,
		Color:       colorDefault,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Usage", Value: "`" + cmd.Usage(trigger) + "`"},
		},
	}
	if len(cmd.Parameters) > 0 {
		lines := make([]string, 0, len(cmd.Parameters))
		for _, p := range cmd.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			lines = append(lines, fmt.Sprintf("`%s` (%s): %s", p.Name, req, p.Description))
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Parameters", Value: strings.Join(lines, "\n")},
		)
	}
	if len(cmd.Aliases) > 0 {
		aliases := make([]string, 0, len(cmd.Aliases))
		for _, a := range cmd.Aliases {
			aliases = append(aliases, trigger+a)
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Aliases", Value: strings.Join(aliases, ", ")},
		)
	}
	if cmd.Tier == TierStaff {
		footer := "Staff only"
		if cmd.Mutates {
			footer += ", in the command channel"
		}
		embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	}
	return embed
}

// helpListEmbed lists the given commands
func helpListEmbed(cmds []*CommandDescriptor, trigger string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Commands",
		Color: colorDefault,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%shelp <command> or %s<command> %s for details", trigger, trigger, helpFlag),
		},
	}
	for _, c := range cmds {
		if len(embed.Fields) == embedMaxFields {
			break
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  c.Usage(trigger),
				Value: truncate(c.Description, embedFieldValueLimit),
			},
		)
	}
	return embed
}
