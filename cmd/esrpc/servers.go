package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codewiresh/esrpc/internal/config"
)

func serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage saved servers",
	}
	cmd.AddCommand(serversAddCmd(), serversListCmd(), serversRemoveCmd())
	return cmd
}

func serversAddCmd() *cobra.Command {
	var noToken bool

	cmd := &cobra.Command{
		Use:   "add <name> [url]",
		Short: "Save a server under a name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := config.ValidateServerName(name); err != nil {
				return err
			}

			var url string
			if len(args) > 1 {
				url = args[1]
			} else {
				if !stdinIsTerminal() {
					return fmt.Errorf("url required")
				}
				v, err := prompt("URL: ")
				if err != nil {
					return err
				}
				url = v
			}
			if url == "" {
				return fmt.Errorf("url required")
			}

			token := tokenFlag
			if token == "" && !noToken && stdinIsTerminal() {
				v, err := promptPassword("Auth token (empty for none): ")
				if err != nil {
					return err
				}
				token = v
			}

			dir := dataDir()
			servers, err := config.LoadServersConfig(dir)
			if err != nil {
				return err
			}
			servers.Servers[name] = config.ServerEntry{URL: url, Token: token}
			if err := servers.Save(dir); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[esrpc] saved server %s (%s)\n", name, url)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noToken, "no-token", false, "Do not prompt for a token")
	return cmd
}

func serversListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := config.LoadServersConfig(dataDir())
			if err != nil {
				return err
			}
			if len(servers.Servers) == 0 {
				fmt.Fprintln(os.Stderr, "no saved servers")
				return nil
			}

			names := make([]string, 0, len(servers.Servers))
			for name := range servers.Servers {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tTOKEN")
			for _, name := range names {
				e := servers.Servers[name]
				tok := "-"
				if e.Token != "" {
					tok = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, e.URL, tok)
			}
			return w.Flush()
		},
	}
}

func serversRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Forget a saved server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			servers, err := config.LoadServersConfig(dir)
			if err != nil {
				return err
			}
			if _, ok := servers.Servers[args[0]]; !ok {
				return fmt.Errorf("unknown server %q", args[0])
			}
			delete(servers.Servers, args[0])
			return servers.Save(dir)
		},
	}
}
