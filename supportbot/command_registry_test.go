package supportbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func noopHandler(context.Context, CommandEvent, CommandArgs) error {
	return nil
}

func TestCommandRegistry_RegisterResolve(t *testing.T) {
	r := NewCommandRegistry()
	require.NoError(
		t, r.Register(
			CommandDescriptor{
				Name:    "TagAdd",
				Aliases: []string{"TagEdit"},
				Handler: noopHandler,
			},
		),
	)

	cmd, ok := r.Resolve("tagadd")
	require.True(t, ok)
	assert.Equal(t, "tagadd", cmd.Name)

	alias, ok := r.Resolve("TAGEDIT")
	require.True(t, ok)
	assert.Same(t, cmd, alias)

	_, ok = r.Resolve("nope")
	assert.False(t, ok)
}

func TestCommandRegistry_Duplicates(t *testing.T) {
	r := NewCommandRegistry()
	require.NoError(t, r.Register(CommandDescriptor{Name: "help", Aliases: []string{"commands"}}))

	err := r.Register(CommandDescriptor{Name: "commands"})
	assert.ErrorIs(t, err, ErrDuplicateCommandName)

	err = r.Register(CommandDescriptor{Name: "other", Aliases: []string{"HELP"}})
	assert.ErrorIs(t, err, ErrDuplicateCommandName)

	err = r.Register(CommandDescriptor{Name: "self", Aliases: []string{"self"}})
	assert.ErrorIs(t, err, ErrDuplicateCommandName)

	// nothing from the rejected registrations was indexed
	_, ok := r.Resolve("other")
	assert.False(t, ok)
	assert.Len(t, r.All(), 1)
}

func TestCommandRegistry_RequiredAfterOptional(t *testing.T) {
	r := NewCommandRegistry()
	err := r.Register(
		CommandDescriptor{
			Name: "bad",
			Parameters: []CommandParameter{
				{Name: "a"},
				{Name: "b", Required: true},
			},
		},
	)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCommandRegistry_DoesNotModifyAliases(t *testing.T) {
	aliases := []string{"TagEdit"}
	r := NewCommandRegistry()
	require.NoError(t, r.Register(CommandDescriptor{Name: "tagadd", Aliases: aliases}))
	assert.Equal(t, []string{"TagEdit"}, aliases)
}

func TestCommandDescriptor_Usage(t *testing.T) {
	cmd := &CommandDescriptor{
		Name: "help",
		Parameters: []CommandParameter{
			{Name: "command"},
		},
	}
	assert.Equal(t, "!help [command]", cmd.Usage("!"))

	cmd = &CommandDescriptor{
		Name: "tagadd",
		Parameters: []CommandParameter{
			{Name: "keyword", Required: true},
			{Name: "response", Required: true},
		},
	}
	assert.Equal(t, "!tagadd <keyword> <response>", cmd.Usage("!"))
}

func TestCommandDescriptor_ParseArguments(t *testing.T) {
	serverAdd := &CommandDescriptor{
		Name: "serveradd",
		Parameters: []CommandParameter{
			{Name: "keyword", Required: true},
			{Name: "name", Required: true},
			{Name: "invite", Required: true},
			{Name: "description", Required: true},
		},
	}
	noParams := &CommandDescriptor{Name: "taglist"}
	optional := &CommandDescriptor{
		Name:       "help",
		Parameters: []CommandParameter{{Name: "command"}},
	}

	tests := []struct {
		name string
		cmd  *CommandDescriptor
		raw  string
		want CommandArgs
		ok   bool
	}{
		{
			name: "quoted name, rest of line",
			cmd:  serverAdd,
			raw:  `neu "Not Enough Updates" https://discord.gg/moulberry The NEU   server`,
			want: CommandArgs{
				"keyword":     "neu",
				"name":        "Not Enough Updates",
				"invite":      "https://discord.gg/moulberry",
				"description": "The NEU   server",
			},
			ok: true,
		},
		{
			name: "missing required",
			cmd:  serverAdd,
			raw:  "neu NEU",
			ok:   false,
		},
		{
			name: "no params and no args",
			cmd:  noParams,
			raw:  "  ",
			want: CommandArgs{},
			ok:   true,
		},
		{
			name: "no params but args",
			cmd:  noParams,
			raw:  "extra",
			ok:   false,
		},
		{
			name: "optional omitted",
			cmd:  optional,
			raw:  "",
			want: CommandArgs{},
			ok:   true,
		},
		{
			name: "optional given",
			cmd:  optional,
			raw:  "tagadd",
			want: CommandArgs{"command": "tagadd"},
			ok:   true,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				args, ok := tc.cmd.parseArguments(tc.raw)
				assert.Equal(t, tc.ok, ok)
				if tc.ok {
					assert.Equal(t, tc.want, args)
				}
			},
		)
	}
}

func TestCommandDescriptor_StructuredArguments(t *testing.T) {
	cmd := &CommandDescriptor{
		Name: "tagadd",
		Parameters: []CommandParameter{
			{Name: "keyword", Required: true},
			{Name: "response", Required: true},
		},
	}
	args, ok := cmd.structuredArguments(map[string]string{"keyword": "faq", "response": "Read it"})
	require.True(t, ok)
	assert.Equal(t, "faq", args.Get("keyword"))
	assert.Equal(t, "Read it", args.Get("response"))

	_, ok = cmd.structuredArguments(map[string]string{"keyword": "faq", "response": " "})
	assert.False(t, ok)
}

func TestCommandDescriptor_Arguments(t *testing.T) {
	cmd := &CommandDescriptor{
		Name: "tagadd",
		Parameters: []CommandParameter{
			{Name: "keyword", Required: true},
			{Name: "response", Required: true},
		},
	}

	args, ok := cmd.arguments(TextInput{RawArgs: "faq Read the FAQ"})
	require.True(t, ok)
	assert.Equal(t, "faq", args.Get("keyword"))
	assert.Equal(t, "Read the FAQ", args.Get("response"))

	args, ok = cmd.arguments(StructuredInput{Options: map[string]string{"keyword": "faq", "response": "Read it"}})
	require.True(t, ok)
	assert.Equal(t, "Read it", args.Get("response"))

	_, ok = cmd.arguments(TextInput{RawArgs: "faq"})
	assert.False(t, ok)
	_, ok = cmd.arguments(nil)
	assert.False(t, ok)
}

func TestCommandDescriptor_ApplicationCommand(t *testing.T) {
	cmd := &CommandDescriptor{
		Name:        "server",
		Description: "Shows a discord server's invite",
		Parameters: []CommandParameter{
			{Name: "keyword", Description: "Server keyword or alias", Required: true},
		},
	}
	appCmd := cmd.ApplicationCommand()
	assert.Equal(t, "server", appCmd.Name)
	assert.Equal(t, discordgo.ChatApplicationCommand, appCmd.Type)
	require.Len(t, appCmd.Options, 1)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, appCmd.Options[0].Type)
	assert.True(t, appCmd.Options[0].Required)
	require.NotNil(t, appCmd.DMPermission)
	assert.False(t, *appCmd.DMPermission)
}
