package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/instances"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/vault"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage review server instances",
}

var instanceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a review server",
	Long: `Registers a review server and stores its access token in the vault.

The token is read from the environment variable named by --token-env, or
from stdin when that variable is unset. With --gh the token the gh CLI is
logged in with is used instead. The first instance added becomes the
active one.

Examples:
  CRAFT_TOKEN=... craft instance add work --url https://review.example.com
  craft instance add gh --kind github < token.txt
  craft instance add gh --kind github --gh`,
	RunE: runInstanceAdd,
	Args: cobra.ExactArgs(1),
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instances",
	RunE:  runInstanceList,
	Args:  cobra.NoArgs,
}

var instanceUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Make an instance the active one",
	RunE:  runInstanceUse,
	Args:  cobra.ExactArgs(1),
}

var instanceCheckCmd = &cobra.Command{
	Use:   "check [name]",
	Short: "Test the connection to an instance",
	RunE:  runInstanceCheck,
	Args:  cobra.MaximumNArgs(1),
}

var instanceTokenCmd = &cobra.Command{
	Use:   "token <name>",
	Short: "Replace the access token of an instance",
	RunE:  runInstanceToken,
	Args:  cobra.ExactArgs(1),
}

var instanceRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an instance and everything cached for it",
	RunE:  runInstanceRemove,
	Args:  cobra.ExactArgs(1),
}

var (
	flagInstanceKind     string
	flagInstanceURL      string
	flagInstanceTokenEnv string
	flagInstanceGH       bool
)

func init() {
	instanceAddCmd.Flags().StringVar(&flagInstanceKind, "kind", string(model.InstanceKindREST), "Backend: rest or github")
	instanceAddCmd.Flags().StringVar(&flagInstanceURL, "url", "", "Server base URL (default for github: https://api.github.com)")
	instanceAddCmd.Flags().BoolVar(&flagInstanceGH, "gh", false, "Use the gh CLI's token (github kind only)")
	for _, c := range []*cobra.Command{instanceAddCmd, instanceTokenCmd} {
		c.Flags().StringVar(&flagInstanceTokenEnv, "token-env", "CRAFT_TOKEN", "Environment variable holding the token")
	}

	instanceCmd.AddCommand(instanceAddCmd, instanceListCmd, instanceUseCmd, instanceCheckCmd, instanceTokenCmd, instanceRemoveCmd)
	rootCmd.AddCommand(instanceCmd)
}

func readToken() (vault.Secret, error) {
	if v := os.Getenv(flagInstanceTokenEnv); v != "" {
		return vault.NewSecret(v), nil
	}
	fmt.Fprintf(os.Stderr, "%s is not set, reading token from stdin\n", flagInstanceTokenEnv)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return vault.Secret{}, fmt.Errorf("reading token: %w", err)
	}
	return vault.NewSecret(strings.TrimSpace(line)), nil
}

func runInstanceAdd(cmd *cobra.Command, args []string) error {
	var token vault.Secret
	var err error
	if flagInstanceGH {
		if flagInstanceKind != string(model.InstanceKindGitHub) {
			return fmt.Errorf("--gh requires --kind %s", model.InstanceKindGitHub)
		}
		token, err = vault.GHToken(vault.GHHost(flagInstanceURL))
	} else {
		token, err = readToken()
	}
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.instances.Add(cmd.Context(), instances.AddInput{
		Name:    args[0],
		Kind:    model.InstanceKind(flagInstanceKind),
		BaseURL: flagInstanceURL,
		Token:   token,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Added %s (%s %s)\n", inst.Name, inst.Kind, inst.BaseURL)
	if inst.Active {
		fmt.Println("It is now the active instance.")
	}

	fmt.Print("Checking connection... ")
	inst, err = a.instances.Check(cmd.Context(), inst.ID)
	if err != nil {
		fmt.Println(inst.ConnectionStatus)
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		return nil
	}
	fmt.Printf("%s (server %s)\n", inst.ConnectionStatus, inst.ServerVersion)
	return nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.instances.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No instances. Add one with 'craft instance add'.")
		return nil
	}
	for _, inst := range list {
		mark := " "
		if inst.Active {
			mark = "*"
		}
		fmt.Printf("%s %-16s %-7s %-14s %s\n", mark, inst.Name, inst.Kind, inst.ConnectionStatus, inst.BaseURL)
	}
	return nil
}

func runInstanceUse(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.instances.Use(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Active instance: %s\n", inst.Name)
	return nil
}

func runInstanceCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.instance(cmd.Context())
	if len(args) == 1 {
		inst, err = a.instances.Get(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	inst, err = a.instances.Check(cmd.Context(), inst.ID)
	if inst.ID == "" {
		return err
	}
	fmt.Printf("%s: %s", inst.Name, inst.ConnectionStatus)
	if inst.ServerVersion != "" {
		fmt.Printf(" (server %s)", inst.ServerVersion)
	}
	fmt.Println()
	return err
}

func runInstanceToken(cmd *cobra.Command, args []string) error {
	token, err := readToken()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.instances.SetToken(cmd.Context(), args[0], token); err != nil {
		return err
	}
	fmt.Printf("Token of %s replaced.\n", args[0])
	return nil
}

func runInstanceRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.instances.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s.\n", args[0])
	return nil
}
