package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ineffectivecoder/smbwire/pkg/dfs"
)

func registerDFSCommands() {
	commands.Register(&Command{
		Name:        "resolve",
		Aliases:     []string{"dfs"},
		Description: "Resolve a UNC path through DFS",
		Usage:       `resolve \\domain\namespace\path`,
		Handler:     cmdResolve,
	})

	commands.Register(&Command{
		Name:        "cache",
		Description: "List cached referrals and domain controllers",
		Handler:     cmdCache,
	})

	commands.Register(&Command{
		Name:        "purge",
		Description: "Drop all cached referrals, or the one covering a path",
		Usage:       "purge [path]",
		Handler:     cmdPurge,
	})
}

func cmdResolve(ctx context.Context, s *shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: resolve <unc>")
	}
	rt, err := s.client.Resolve(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("  %sTarget:%s   %s\n", colorBold, colorReset, rt.UNC())
	fmt.Printf("  %sPrefix:%s   %s\n", colorBold, colorReset, rt.Key)
	fmt.Printf("  %sTTL:%s      %s\n", colorBold, colorReset, rt.TTL.Round(time.Second))
	fmt.Printf("  %sTargets:%s\n", colorBold, colorReset)
	for i, t := range rt.Referral.Ring() {
		mark := " "
		if i == 0 {
			mark = "*"
		}
		fmt.Printf("    %s %s\n", mark, rt.For(t).UNC())
	}
	fmt.Println()
	return nil
}

func printEntries(title string, entries []dfs.CacheEntry) {
	now := time.Now()
	fmt.Printf("%s%s (%d):%s\n", colorCyan, title, len(entries), colorReset)
	for _, e := range entries {
		state := e.Referral.Remaining(now).Round(time.Second).String()
		if e.Referral.Expired(now) {
			state = colorYellow + "expired" + colorReset
		}
		fmt.Printf("  %-40s %s\n", e.Key, state)
		fmt.Printf("    %s\n", e.Referral)
	}
}

func cmdCache(ctx context.Context, s *shell, args []string) error {
	fmt.Println()
	printEntries("Referrals", s.client.Cache().Entries())
	fmt.Println()
	printEntries("Domain controllers", s.client.Resolver().DomainControllers())
	fmt.Println()
	return nil
}

func cmdPurge(ctx context.Context, s *shell, args []string) error {
	cache := s.client.Cache()
	if len(args) == 0 {
		n := cache.Len()
		cache.Purge()
		success_("Purged %d referrals", n)
		return nil
	}
	key, _, ok := cache.Lookup(args[0])
	if !ok {
		return fmt.Errorf("no cached referral covers %s", args[0])
	}
	cache.Invalidate(key)
	success_("Purged %s", key)
	return nil
}
