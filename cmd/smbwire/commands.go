package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/smb"
)

// shell is the state of one CLI session.
type shell struct {
	client     *smb.Client
	cfg        *config.Config
	configPath string
	share      *smb.Share
	user       string
	domain     string
}

// Command represents a shell command
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handler     func(ctx context.Context, s *shell, args []string) error
}

// CommandRegistry holds all available commands
type CommandRegistry struct {
	commands map[string]*Command
}

var commands = NewCommandRegistry()

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]*Command),
	}
}

// Register adds a command to the registry
func (r *CommandRegistry) Register(cmd *Command) {
	r.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.commands[alias] = cmd
	}
}

// Get retrieves a command by name or alias
func (r *CommandRegistry) Get(name string) *Command {
	return r.commands[name]
}

// List returns all unique commands sorted by name
func (r *CommandRegistry) List() []*Command {
	seen := make(map[string]bool)
	var list []*Command

	for _, cmd := range r.commands {
		if !seen[cmd.Name] {
			seen[cmd.Name] = true
			list = append(list, cmd)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// execute runs a command by name and reports whether the shell continues.
func (s *shell) execute(ctx context.Context, name string, args []string) bool {
	cmd := commands.Get(name)
	if cmd == nil {
		error_("Unknown command: %s (type 'help' for commands)", name)
		return true
	}

	if err := cmd.Handler(ctx, s, args); err != nil {
		error_("%v", err)
	}
	return cmd.Name != "exit"
}

func init() {
	registerCoreCommands()
	registerShareCommands()
	registerDFSCommands()
}

func registerCoreCommands() {
	commands.Register(&Command{
		Name:        "help",
		Aliases:     []string{"?", "h"},
		Description: "Show available commands",
		Usage:       "help [command]",
		Handler:     cmdHelp,
	})

	commands.Register(&Command{
		Name:        "exit",
		Aliases:     []string{"quit", "q"},
		Description: "Exit the shell",
		Handler:     cmdExit,
	})

	commands.Register(&Command{
		Name:        "info",
		Description: "Show pooled connections and the current share",
		Handler:     cmdInfo,
	})

	commands.Register(&Command{
		Name:        "config",
		Description: "Show the effective configuration, or save it",
		Usage:       "config [save [path]]",
		Handler:     cmdConfig,
	})
}

func cmdHelp(ctx context.Context, s *shell, args []string) error {
	if len(args) > 0 {
		cmd := commands.Get(args[0])
		if cmd == nil {
			return fmt.Errorf("unknown command: %s", args[0])
		}
		fmt.Printf("\n%s%s%s - %s\n", colorBold, cmd.Name, colorReset, cmd.Description)
		if cmd.Usage != "" {
			fmt.Printf("Usage: %s\n", cmd.Usage)
		}
		if len(cmd.Aliases) > 0 {
			fmt.Printf("Aliases: %s\n", strings.Join(cmd.Aliases, ", "))
		}
		fmt.Println()
		return nil
	}

	fmt.Println()
	fmt.Printf("%s=== smbwire Commands ===%s\n\n", colorBold, colorReset)

	categories := map[string][]string{
		"Core":   {"help", "exit", "info", "config"},
		"Shares": {"connect", "disconnect", "cat", "echo"},
		"DFS":    {"resolve", "cache", "purge"},
	}
	order := []string{"Core", "Shares", "DFS"}

	for _, cat := range order {
		fmt.Printf("%s%s:%s\n", colorCyan, cat, colorReset)
		for _, name := range categories[cat] {
			if cmd := commands.Get(name); cmd != nil {
				fmt.Printf("  %-12s %s\n", cmd.Name, cmd.Description)
			}
		}
		fmt.Println()
	}
	return nil
}

func cmdExit(ctx context.Context, s *shell, args []string) error {
	info_("Goodbye!")
	return nil
}

func cmdInfo(ctx context.Context, s *shell, args []string) error {
	fmt.Println()
	if s.user != "" {
		if s.domain != "" {
			fmt.Printf("  %sUser:%s %s\\%s\n", colorBold, colorReset, s.domain, s.user)
		} else {
			fmt.Printf("  %sUser:%s %s\n", colorBold, colorReset, s.user)
		}
	} else {
		fmt.Printf("  %sUser:%s (anonymous)\n", colorBold, colorReset)
	}

	if s.share != nil {
		fmt.Printf("  %sShare:%s %s\n", colorBold, colorReset, s.share.UNC())
		if s.share.Target != nil {
			fmt.Printf("  %sDFS:%s   %s\n", colorBold, colorReset, s.share.Target.Key)
		}
	}

	conns := s.client.Pool().Conns()
	fmt.Printf("\n%sConnections (%d):%s\n", colorBold, len(conns), colorReset)
	for _, c := range conns {
		st := c.Info()
		fmt.Printf("  %s\n", c.Host())
		fmt.Printf("    State:      %s\n", c.State())
		fmt.Printf("    Dialect:    %s\n", st.DialectName())
		fmt.Printf("    Session ID: 0x%016X\n", st.SessionID)
		fmt.Printf("    Signing:    required=%v\n", st.SigningRequired)
		fmt.Printf("    Guest:      %v\n", st.Guest)
		fmt.Printf("    Max Read:   %d bytes\n", st.MaxReadSize)
		avail, granted := c.Mux().Credits()
		fmt.Printf("    Credits:    %d available, %d granted\n", avail, granted)
	}
	fmt.Println()
	return nil
}

func cmdConfig(ctx context.Context, s *shell, args []string) error {
	if len(args) > 0 && args[0] == "save" {
		path := s.configPath
		if len(args) > 1 {
			path = args[1]
		}
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if err := config.SaveConfig(s.cfg, path); err != nil {
			return err
		}
		success_("Configuration saved to %s", path)
		return nil
	}

	out, err := config.Marshal(s.cfg)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
