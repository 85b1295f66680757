package supportbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"slices"
	"strings"
	"sync"
)

// helpFlag is the reserved argument which shows a command's help
// instead of running it
const helpFlag = "-help"

// PermissionTier is the role a command requires
type PermissionTier int

const (
	TierPublic PermissionTier = iota
	TierStaff
)

func (t PermissionTier) String() string {
	switch t {
	case TierPublic:
		return "public"
	case TierStaff:
		return "staff"
	default:
		return fmt.Sprintf("PermissionTier(%d)", int(t))
	}
}

type CommandParameter struct {
	Name        string
	Description string
	Required    bool
}

// CommandArgs holds a command's parsed arguments, by parameter name
type CommandArgs map[string]string

func (a CommandArgs) Get(name string) string {
	return a[name]
}

// CommandHandler runs a command. A returned error is reported back to
// the actor, see userMessage.
type CommandHandler func(ctx context.Context, ev CommandEvent, args CommandArgs) error

// CommandDescriptor describes a command: what it's called, what it
// takes, and who may run it where.
type CommandDescriptor struct {
	Name        string
	Description string
	Parameters  []CommandParameter
	Aliases     []string
	Tier        PermissionTier

	// Mutates marks commands which change stored state. Staff may only
	// run these in the designated command channel.
	Mutates bool

	Handler CommandHandler
}

// Usage returns the usage line, ex: `!tagadd <keyword> <response>`
func (c *CommandDescriptor) Usage(trigger string) string {
	var sb strings.Builder
	sb.WriteString(trigger)
	sb.WriteString(c.Name)
	for _, p := range c.Parameters {
		if p.Required {
			fmt.Fprintf(&sb, " <%s>", p.Name)
		} else {
			fmt.Fprintf(&sb, " [%s]", p.Name)
		}
	}
	return sb.String()
}

// arguments binds the command's parameters from however the command
// was invoked
func (c *CommandDescriptor) arguments(in CommandInput) (CommandArgs, bool) {
	switch in := in.(type) {
	case TextInput:
		return c.parseArguments(in.RawArgs)
	case StructuredInput:
		return c.structuredArguments(in.Options)
	default:
		return nil, false
	}
}

// parseArguments splits raw into the command's parameters, in order.
// Every parameter but the last takes one token, which may be wrapped
// in double quotes to include spaces. The last parameter takes the
// rest of the line. Returns false if a required parameter is missing,
// or if there's text left over for a command with no parameters.
func (c *CommandDescriptor) parseArguments(raw string) (CommandArgs, bool) {
	raw = strings.TrimSpace(raw)
	args := CommandArgs{}
	if len(c.Parameters) == 0 {
		return args, raw == ""
	}

	for i, p := range c.Parameters {
		var value string
		if i == len(c.Parameters)-1 {
			value = unquote(raw)
			raw = ""
		} else {
			value, raw = nextToken(raw)
		}
		if value == "" {
			if p.Required {
				return nil, false
			}
			continue
		}
		args[p.Name] = value
	}
	return args, true
}

// structuredArguments checks the options given by a slash command
// against the command's parameters.
func (c *CommandDescriptor) structuredArguments(options map[string]string) (
	CommandArgs,
	bool,
) {
	args := CommandArgs{}
	for _, p := range c.Parameters {
		value := strings.TrimSpace(options[p.Name])
		if value == "" {
			if p.Required {
				return nil, false
			}
			continue
		}
		args[p.Name] = value
	}
	return args, true
}

// nextToken returns the first token of s and the remainder. A token
// starting with a double quote runs to the closing quote.
func nextToken(s string) (token string, rest string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		if end := strings.Index(s[1:], `"`); end >= 0 {
			return s[1 : end+1], strings.TrimSpace(s[end+2:])
		}
	}
	return splitFirstField(s)
}

// ApplicationCommand returns the slash command definition for c. Every
// parameter becomes a string option.
func (c *CommandDescriptor) ApplicationCommand() *discordgo.ApplicationCommand {
	options := make([]*discordgo.ApplicationCommandOption, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		options = append(
			options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        p.Name,
				Description: truncate(p.Description, 100),
				Required:    p.Required,
			},
		)
	}
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         c.Name,
		Description:  truncate(c.Description, 100),
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPerm,
		Options:      options,
	}
}

// CommandRegistry is the catalog of commands, looked up by name or
// alias without regard to case.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands []*CommandDescriptor
	index    map[string]*CommandDescriptor
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{index: map[string]*CommandDescriptor{}}
}

// Register adds cmd to the registry. It fails with
// ErrDuplicateCommandName if its name or any alias is already taken.
func (r *CommandRegistry) Register(cmd CommandDescriptor) error {
	cmd.Name = strings.ToLower(strings.TrimSpace(cmd.Name))
	if cmd.Name == "" {
		return fmt.Errorf("%w: command name can't be empty", ErrValidation)
	}
	seenOptional := false
	for _, p := range cmd.Parameters {
		if !p.Required {
			seenOptional = true
		} else if seenOptional {
			return fmt.Errorf(
				"%w: %s: required parameter %q follows an optional one",
				ErrValidation,
				cmd.Name,
				p.Name,
			)
		}
	}

	cmd.Aliases = slices.Clone(cmd.Aliases)
	names := []string{cmd.Name}
	for i, alias := range cmd.Aliases {
		cmd.Aliases[i] = strings.ToLower(strings.TrimSpace(alias))
		names = append(names, cmd.Aliases[i])
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]struct{}{}
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateCommandName, name)
		}
		seen[name] = struct{}{}
		if existing, ok := r.index[name]; ok {
			return fmt.Errorf(
				"%w: %q (already used by %q)",
				ErrDuplicateCommandName,
				name,
				existing.Name,
			)
		}
	}

	c := &cmd
	for _, name := range names {
		r.index[name] = c
	}
	r.commands = append(r.commands, c)
	return nil
}

// Resolve looks up a command by name or alias
func (r *CommandRegistry) Resolve(token string) (*CommandDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.index[strings.ToLower(strings.TrimSpace(token))]
	return cmd, ok
}

// All returns every command, in registration order
func (r *CommandRegistry) All() []*CommandDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*CommandDescriptor(nil), r.commands...)
}

// ApplicationCommands returns the slash command definitions for every
// registered command
func (r *CommandRegistry) ApplicationCommands() []*discordgo.ApplicationCommand {
	cmds := r.All()
	appCommands := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		appCommands = append(appCommands, c.ApplicationCommand())
	}
	return appCommands
}
