package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/stacklok/nodesync/internal/api"
	operatorv1 "github.com/stacklok/nodesync/internal/api/operator/v1"
	"github.com/stacklok/nodesync/internal/httpclient"
	"github.com/stacklok/nodesync/internal/peer"
)

const (
	defaultServerURL = "http://localhost:8080"
	cliTimeout       = 30 * time.Second
)

func newPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage the peers of a running node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().String("server", defaultServerURL, "Base URL of the node API")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered peers",
		Args:  cobra.NoArgs,
		RunE:  runPeersList,
	}
	list.Flags().Bool("active", false, "Only list active peers seen within the staleness window")
	list.Flags().String("format", "", "Output format (json)")

	add := &cobra.Command{
		Use:   "add ID HOSTNAME PORT",
		Short: "Register or update a peer",
		Args:  cobra.ExactArgs(3),
		RunE:  runPeersAdd,
	}
	add.Flags().String("name", "", "Display name")
	add.Flags().Bool("inactive", false, "Register the peer as inactive")

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a peer",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeersRemove,
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

// peersURL joins the operator API peer path onto --server
func peersURL(cmd *cobra.Command, elem ...string) (string, error) {
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return "", fmt.Errorf("failed to get server flag: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", server)
	}
	return base.JoinPath(append([]string{api.OperatorPathPrefix, "peers"}, elem...)...).String(), nil
}

func runPeersList(cmd *cobra.Command, _ []string) error {
	active, err := cmd.Flags().GetBool("active")
	if err != nil {
		return fmt.Errorf("failed to get active flag: %w", err)
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}

	var elem []string
	if active {
		elem = append(elem, "active")
	}
	target, err := peersURL(cmd, elem...)
	if err != nil {
		return err
	}
	resp, err := httpclient.NewDefaultClient(cliTimeout).Do(commandContext(cmd), httpclient.Request{URL: target})
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}

	var body operatorv1.PeerListResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return fmt.Errorf("failed to decode peers: %w", err)
	}

	if format == "json" {
		out, err := json.MarshalIndent(body.Peers, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format peers: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tACTIVE\tLAST SEEN")
	for _, n := range body.Peers {
		lastSeen := "never"
		if n.LastSeen != nil {
			lastSeen = humanize.Time(*n.LastSeen)
		}
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%t\t%s\n", n.ID, n.Name, n.Hostname, n.Port, n.Active, lastSeen)
	}
	return w.Flush()
}

func runPeersAdd(cmd *cobra.Command, args []string) error {
	var port int
	if _, err := fmt.Sscanf(args[2], "%d", &port); err != nil {
		return fmt.Errorf("invalid port %q", args[2])
	}
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return fmt.Errorf("failed to get name flag: %w", err)
	}
	inactive, err := cmd.Flags().GetBool("inactive")
	if err != nil {
		return fmt.Errorf("failed to get inactive flag: %w", err)
	}

	active := !inactive
	payload, err := json.Marshal(operatorv1.PeerRequest{
		ID:       args[0],
		Name:     name,
		Hostname: args[1],
		Port:     port,
		IsActive: &active,
	})
	if err != nil {
		return fmt.Errorf("failed to encode peer: %w", err)
	}

	target, err := peersURL(cmd)
	if err != nil {
		return err
	}
	resp, err := httpclient.NewDefaultClient(cliTimeout).Do(commandContext(cmd), httpclient.Request{
		Method: http.MethodPost,
		URL:    target,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to add peer: %w", err)
	}

	var n peer.Node
	if err := json.Unmarshal(resp.Body, &n); err != nil {
		return fmt.Errorf("failed to decode peer: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "peer %s registered at %s:%d\n", n.ID, n.Hostname, n.Port)
	return err
}

func runPeersRemove(cmd *cobra.Command, args []string) error {
	target, err := peersURL(cmd, args[0])
	if err != nil {
		return err
	}
	if _, err := httpclient.NewDefaultClient(cliTimeout).Do(commandContext(cmd), httpclient.Request{
		Method: http.MethodDelete,
		URL:    target,
	}); err != nil {
		return fmt.Errorf("failed to remove peer: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "peer %s removed\n", args[0])
	return err
}
