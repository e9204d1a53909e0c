package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/rulestore"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage alias policies",
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import alias policies from a YAML document",
	Long: `Import replaces each listed alias's policy wholesale: existing rules
are soft-deleted and the document's rules take their place. The document is
validated strictly before anything is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}

		var doc rulestore.PolicyDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse policy file: %w", err)
		}
		if len(doc.Aliases) == 0 {
			return fmt.Errorf("policy file contains no aliases")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Import(context.Background(), &doc); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Printf("Imported policies for %d alias(es)\n", len(doc.Aliases))
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show <alias>",
	Short: "Show the effective policy for an alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		aliasID, err := store.LookupAlias(ctx, args[0])
		if err != nil {
			return fmt.Errorf("alias %q: %w", args[0], err)
		}

		pol, err := store.FetchPolicy(ctx, aliasID)
		if err != nil {
			return fmt.Errorf("failed to fetch policy: %w", err)
		}

		fmt.Printf("Alias: %s (id %d)\n\n", pol.AliasAddress, pol.AliasID)

		fmt.Printf("Forwarding rules: %d\n", len(pol.Forwarding))
		for _, r := range pol.Forwarding {
			state := "active"
			if !r.IsActive {
				state = "inactive"
			}
			keep := "keep original"
			if !r.KeepOriginal {
				keep = "drop original"
			}
			fmt.Printf("  [%d] %-20s %s %s-> %s  (%s, %s)\n",
				r.Priority, r.RuleName, r.ConditionType,
				condValue(r.ConditionValue), r.ForwardTo, keep, state)
		}

		if ar := pol.AutoReply; ar != nil {
			state := "inactive"
			if ar.IsActive {
				state = "active"
			}
			fmt.Printf("\nAuto-reply: %s, frequency %s", state, ar.ReplyFrequency)
			if ar.ExternalOnly {
				fmt.Printf(", external only")
			}
			fmt.Printf("\n  Subject: %s\n", ar.ReplySubject)
		} else {
			fmt.Printf("\nAuto-reply: not configured\n")
		}

		fmt.Printf("\nFilter rules: %d\n", len(pol.Sieve))
		for _, r := range pol.Sieve {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			target := ""
			switch r.Action {
			case "FILEINTO":
				target = " -> " + r.TargetFolder
			case "REDIRECT":
				target = " -> " + r.ForwardAddress
			case "REJECT":
				target = fmt.Sprintf(" (%q)", r.RejectMessage)
			}
			fmt.Printf("  [%d] %-20s %s%s  (%s)\n",
				r.Priority, r.RuleName, r.Action, target, state)
		}

		return nil
	},
}

var policyLogCmd = &cobra.Command{
	Use:   "log <alias>",
	Short: "Show recent disposition log entries for an alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		aliasID, err := store.LookupAlias(ctx, args[0])
		if err != nil {
			return fmt.Errorf("alias %q: %w", args[0], err)
		}

		entries, err := store.RecentDispositions(ctx, aliasID, limit)
		if err != nil {
			return fmt.Errorf("failed to query disposition log: %w", err)
		}

		fmt.Printf("%-20s %-30s %-8s %-12s %-4s %-6s\n",
			"TIME", "SENDER", "TERMINAL", "FILED", "FWD", "REPLY")
		for _, e := range entries {
			reply := "no"
			if e.AutoReply {
				reply = "yes"
			}
			fmt.Printf("%-20s %-30s %-8s %-12s %-4d %-6s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.Sender, e.Terminal, e.FileInto, e.ForwardCount, reply)
		}
		return nil
	},
}

func openStore() (*rulestore.Store, error) {
	store, err := rulestore.Open(cfg.Storage.DatabasePath, logging.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}
	return store, nil
}

func condValue(v string) string {
	if v == "" {
		return ""
	}
	return fmt.Sprintf("%q ", v)
}

func init() {
	policyLogCmd.Flags().Int("limit", 20, "number of entries to show")
}
