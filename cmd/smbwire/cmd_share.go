package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func registerShareCommands() {
	commands.Register(&Command{
		Name:        "connect",
		Aliases:     []string{"use", "cd"},
		Description: "Connect to the share a UNC path lives on (DFS aware)",
		Usage:       `connect \\server\share[\path]`,
		Handler:     cmdConnect,
	})

	commands.Register(&Command{
		Name:        "disconnect",
		Description: "Disconnect from the current share",
		Handler:     cmdDisconnect,
	})

	commands.Register(&Command{
		Name:        "cat",
		Aliases:     []string{"type", "get"},
		Description: "Print a file, by UNC path or relative to the current share",
		Usage:       "cat <path> [offset] [length] [> localfile]",
		Handler:     cmdCat,
	})

	commands.Register(&Command{
		Name:        "echo",
		Aliases:     []string{"ping"},
		Description: "Send an SMB ECHO to a server",
		Usage:       "echo [host]",
		Handler:     cmdEcho,
	})
}

func isUNC(p string) bool {
	return strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//")
}

func (s *shell) disconnect(ctx context.Context) {
	if s.share == nil {
		return
	}
	if err := s.share.Close(ctx); err != nil {
		debug_("Disconnect: %v", err)
	}
	s.share = nil
}

func cmdConnect(ctx context.Context, s *shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: connect \\\\server\\share[\\path]")
	}
	if !isUNC(args[0]) {
		if s.share == nil {
			return fmt.Errorf("not a UNC path: %s", args[0])
		}
		s.share.Path = joinRemote(s.share.Path, args[0])
		return nil
	}

	sh, err := s.client.Connect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("connect %s: %w", args[0], err)
	}
	s.disconnect(ctx)
	s.share = sh

	info := sh.Conn().Info()
	success_("Connected to %s (%s)", sh.UNC(), info.DialectName())
	if sh.Target != nil {
		info_("DFS: %s -> %s (ttl %s)", sh.Target.Key, sh.Target.UNC(), sh.Target.TTL.Round(time.Second))
	}
	return nil
}

func cmdDisconnect(ctx context.Context, s *shell, args []string) error {
	if s.share == nil {
		return fmt.Errorf("not connected to a share")
	}
	unc := s.share.UNC()
	s.disconnect(ctx)
	info_("Disconnected from %s", unc)
	return nil
}

// joinRemote resolves name against dir, both relative to a share root.
func joinRemote(dir, name string) string {
	name = strings.ReplaceAll(name, "/", `\`)
	if strings.HasPrefix(name, `\`) {
		dir = ""
	}
	var parts []string
	for _, p := range strings.Split(dir+`\`+name, `\`) {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, `\`)
}

func cmdCat(ctx context.Context, s *shell, args []string) error {
	var out string
	if n := len(args); n >= 2 && args[n-2] == ">" {
		out = args[n-1]
		args = args[:n-2]
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: cat <path> [offset] [length]")
	}

	var offset uint64
	var length uint32
	if len(args) > 1 {
		v, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("bad offset %q", args[1])
		}
		offset = v
	}
	if len(args) > 2 {
		v, err := strconv.ParseUint(args[2], 0, 32)
		if err != nil {
			return fmt.Errorf("bad length %q", args[2])
		}
		length = uint32(v)
	}

	var data []byte
	var err error
	switch {
	case isUNC(args[0]) && offset == 0 && length == 0:
		data, err = s.client.ReadFile(ctx, args[0])
	case isUNC(args[0]):
		sh, cerr := s.client.Connect(ctx, args[0])
		if cerr != nil {
			return cerr
		}
		data, err = sh.ReadFile(ctx, sh.Path, offset, length)
		if cerr := sh.Close(ctx); cerr != nil {
			debug_("Close: %v", cerr)
		}
	default:
		if s.share == nil {
			return fmt.Errorf("not connected to a share (use connect or a UNC path)")
		}
		data, err = s.share.ReadFile(ctx, joinRemote(s.share.Path, args[0]), offset, length)
	}
	if err != nil {
		return err
	}

	if out != "" {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		success_("Wrote %d bytes to %s", len(data), out)
		return nil
	}
	os.Stdout.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func cmdEcho(ctx context.Context, s *shell, args []string) error {
	var host string
	switch {
	case len(args) > 0:
		host = strings.Trim(args[0], `\/`)
	case s.share != nil:
		host = s.share.Conn().Host()
	default:
		return fmt.Errorf("usage: echo <host>")
	}

	start := time.Now()
	if err := s.client.Echo(ctx, host); err != nil {
		return fmt.Errorf("echo %s: %w", host, err)
	}
	success_("%s answered in %s", host, time.Since(start).Round(time.Microsecond))
	return nil
}
