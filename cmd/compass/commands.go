package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/catalog"
	"github.com/kalambet/compass/internal/config"
	"github.com/kalambet/compass/internal/sealed"
)

// --- deck ---

var deckCmd = &cobra.Command{
	Use:   "deck",
	Short: "Show the billet at the top of the deck",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var d deckView
		if err := client.getJSON(cmd.Context(), "/deck", &d); err != nil {
			return err
		}
		printDeck(d)
		return nil
	},
}

var deckFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Reload the deck from the billet catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var d deckView
		if err := client.postJSON(cmd.Context(), "/deck/fetch", nil, &d); err != nil {
			return err
		}
		printSuccess("Deck loaded with %d billets", d.Length)
		printDeck(d)
		return nil
	},
}

func printDeck(d deckView) {
	if d.Error != "" {
		printWarning("last fetch failed: %s", d.Error)
	}
	if d.Mode == "sandbox" {
		printWarning("sandbox mode: decisions are not saved")
	}
	if d.Current == nil {
		fmt.Println("Deck is exhausted. Run `compass deck fetch` to reload.")
		return
	}
	fmt.Printf("%s\n", colorize(colorCyan, fmt.Sprintf("[%d/%d]", d.Cursor+1, d.Length)))
	printBillet(os.Stdout, *d.Current)
}

func init() {
	deckCmd.AddCommand(deckFetchCmd)
}

// --- decide ---

var decideCmd = &cobra.Command{
	Use:   "decide <save|slate|reject|defer> [billet-id]",
	Short: "Record a decision on the current billet",
	Long: `Record a decision on the billet at the top of the deck.

Examples:
  compass decide slate
  compass decide reject B-1042`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		verb, err := assignment.ParseVerb(strings.ToLower(args[0]))
		if err != nil {
			return fmt.Errorf("%w: %q", err, args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		billetID := ""
		if len(args) == 2 {
			billetID = args[1]
		}
		res, err := decide(cmd.Context(), client, verb, billetID)
		if err != nil {
			return err
		}
		printDecision(verb, res)
		return nil
	},
}

// decide posts a decision. An empty billetID targets the current billet.
func decide(ctx context.Context, c *apiClient, verb assignment.Verb, billetID string) (decideView, error) {
	if billetID == "" {
		var d deckView
		if err := c.getJSON(ctx, "/deck", &d); err != nil {
			return decideView{}, err
		}
		if d.Current == nil {
			return decideView{}, fmt.Errorf("deck is exhausted")
		}
		billetID = d.Current.ID
	}

	var res decideView
	err := c.postJSON(ctx, "/decisions", map[string]string{"billet_id": billetID, "verb": string(verb)}, &res)
	return res, err
}

func printDecision(verb assignment.Verb, res decideView) {
	switch res.Outcome {
	case "locked":
		printSuccess("%s %s: lock requested", verb, res.Application.BilletID)
	case "duplicate":
		printWarning("already holding this billet")
	case "ineligible":
		printWarning("billet is not open for applications; decision recorded")
	case "slate_full":
		printWarning("%d applications already active; decision kept on the manifest", assignment.MaxSlateSize)
	case "sandboxed":
		printStep("%s (sandbox)", verb)
	default:
		printSuccess("%s", verb)
	}
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Take back the last decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := undo(cmd.Context(), client)
		if err != nil {
			return err
		}
		if res.ApplicationID != "" {
			printSuccess("Undid %s and removed application %s", res.BilletID, shortID(res.ApplicationID))
			return nil
		}
		printSuccess("Undid %s", res.BilletID)
		return nil
	},
}

func undo(ctx context.Context, c *apiClient) (undoView, error) {
	var res undoView
	err := c.postJSON(ctx, "/decisions/undo", nil, &res)
	return res, err
}

// --- slate ---

var slateCmd = &cobra.Command{
	Use:   "slate",
	Short: "Show and manage the ranked slate",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listApplications(cmd.Context(), client, "/slate", "Slate is empty.")
	},
}

var slatePromoteCmd = &cobra.Command{
	Use:   "promote <billet-id>",
	Short: "Add a billet to the slate at the next free rank",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]bool
		if err := client.postJSON(cmd.Context(), "/slate/promote", map[string]string{"billet_id": args[0]}, &out); err != nil {
			return err
		}
		if !out["promoted"] {
			printWarning("not promoted: slate is full or the billet is already held")
			return nil
		}
		printSuccess("Promoted %s", args[0])
		return nil
	},
}

var slateMoveCmd = &cobra.Command{
	Use:   "move <rank> <up|down>",
	Short: "Swap a slate entry with its neighbor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rank, err := strconv.Atoi(args[0])
		if err != nil || rank < 1 {
			return fmt.Errorf("rank must be a positive number, got %q", args[0])
		}
		dir, err := parseDirection(args[1])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]bool
		if err := client.postJSON(cmd.Context(), "/slate/move", map[string]any{"rank": rank, "direction": dir}, &out); err != nil {
			return err
		}
		if !out["moved"] {
			printWarning("rank %d cannot move %s", rank, dir)
			return nil
		}
		return listApplications(cmd.Context(), client, "/slate", "")
	},
}

var slateOrderCmd = &cobra.Command{
	Use:   "order <application-id>...",
	Short: "Set the full slate order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/slate/order", map[string][]string{"ids": args})
		if err != nil {
			return err
		}
		var slate []assignment.Application
		if err := decodeJSON(resp, &slate); err != nil {
			return err
		}
		printApplications(slate, "")
		return nil
	},
}

var slateSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit the ranked slate",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var apps []assignment.Application
		if err := client.postJSON(cmd.Context(), "/slate/submit", nil, &apps); err != nil {
			return err
		}
		printSuccess("Submitted %d preferences", len(apps))
		return nil
	},
}

var slateDemoteCmd = &cobra.Command{
	Use:   "demote <application-id>",
	Short: "Take an application off the slate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/slate/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Demoted %s", args[0])
		return nil
	},
}

var slateWithdrawCmd = &cobra.Command{
	Use:   "withdraw <application-id>",
	Short: "Withdraw a draft or submitted application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.postJSON(cmd.Context(), "/applications/"+url.PathEscape(args[0])+"/withdraw", nil, nil); err != nil {
			return err
		}
		printSuccess("Withdrew %s", args[0])
		return nil
	},
}

func parseDirection(s string) (string, error) {
	switch d := strings.ToLower(s); d {
	case "up", "down":
		return d, nil
	}
	return "", fmt.Errorf("direction must be up or down, got %q", s)
}

func init() {
	slateCmd.AddCommand(slatePromoteCmd, slateMoveCmd, slateOrderCmd, slateSubmitCmd, slateDemoteCmd, slateWithdrawCmd)
}

// --- applications / manifest ---

var applicationsCmd = &cobra.Command{
	Use:   "applications",
	Short: "List every application with its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listApplications(cmd.Context(), client, "/applications", "No applications.")
	},
}

var applicationsRetryCmd = &cobra.Command{
	Use:   "retry <application-id>",
	Short: "Re-attempt the lock for an application still waiting on one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		app, err := retryLock(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		fmt.Println(formatApplication(*app))
		return nil
	},
}

func retryLock(ctx context.Context, c *apiClient, appID string) (*assignment.Application, error) {
	var app assignment.Application
	if err := c.postJSON(ctx, "/applications/"+url.PathEscape(appID)+"/retry", nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func init() {
	applicationsCmd.AddCommand(applicationsRetryCmd)
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "List saved billets that are not on the slate",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var decisions []assignment.Decision
		if err := client.getJSON(cmd.Context(), "/manifest", &decisions); err != nil {
			return err
		}
		if len(decisions) == 0 {
			fmt.Println("Manifest is empty.")
			return nil
		}
		for _, d := range decisions {
			fmt.Printf("%-10s %s  %s\n", d.BilletID, d.Verb, d.DecidedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func listApplications(ctx context.Context, c *apiClient, path, empty string) error {
	var apps []assignment.Application
	if err := c.getJSON(ctx, path, &apps); err != nil {
		return err
	}
	printApplications(apps, empty)
	return nil
}

func printApplications(apps []assignment.Application, empty string) {
	if len(apps) == 0 {
		if empty != "" {
			fmt.Println(empty)
		}
		return
	}
	for _, a := range apps {
		fmt.Println(formatApplication(a))
	}
}

// --- mode / reset ---

var modeCmd = &cobra.Command{
	Use:   "mode <real|sandbox>",
	Short: "Switch between saved and sandbox decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/mode", map[string]string{"mode": args[0]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Mode set to %s", args[0])
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all applications and decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL applications and decisions. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.postJSON(cmd.Context(), "/reset", nil, nil); err != nil {
			return err
		}
		printSuccess("All user data reset")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm reset")
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed <catalog.yaml>",
	Short: "Load a YAML billet catalog into the local database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := seedBillets(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		printSuccess("Seeded %d billets from %s", n, args[0])
		if cfg.Catalog.Source != "store" {
			printStep("Run `compass config set catalog.source store` to deal from them")
		}
		return nil
	},
}

func seedBillets(ctx context.Context, saver catalog.Saver, path string) (int, error) {
	src := catalog.NewFileSource(path)
	n, err := src.CountBillets(ctx)
	if err != nil {
		return 0, err
	}
	billets, err := src.FetchBillets(ctx, n, 0)
	if err != nil {
		return 0, err
	}
	if err := saver.SaveBillets(ctx, billets); err != nil {
		return 0, fmt.Errorf("saving billets: %w", err)
	}
	return len(billets), nil
}

// --- keygen ---

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the storage encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Storage.EncryptionKey != "" && !force {
			printWarning("An encryption key already exists. Replacing it makes stored applications unreadable; use --force to proceed.")
			return nil
		}

		secret, public, err := sealed.GenerateKey()
		if err != nil {
			return err
		}
		if err := config.StoreEncryptionKey(config.NewKeychain(), secret); err != nil {
			return fmt.Errorf("storing encryption key: %w", err)
		}
		printSuccess("Encryption key stored (recipient %s)", public)
		return nil
	},
}

func init() {
	keygenCmd.Flags().Bool("force", false, "replace an existing key")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:       "unset <key>",
	Short:     "Remove a configuration value so its default applies",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
