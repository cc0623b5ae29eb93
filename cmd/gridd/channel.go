package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"grid/pkg/event"
	"grid/pkg/server"
)

var serverURL string

// adminClient calls the admin HTTP routes of a running server
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient() *adminClient {
	return &adminClient{
		base: strings.TrimRight(serverURL, "/") + server.APIPrefix,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func channelPath(id, suffix string) string {
	return "/channels/" + url.PathEscape(id) + suffix
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Channel operations against a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "admin address of the server")

	cmd.AddCommand(
		channelCreateCmd(),
		channelListCmd(),
		channelSendCmd(),
		channelJoinCmd(),
		channelStateCmd(),
	)
	return cmd
}

func channelCreateCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "create CREATOR",
		Short: "Create a channel owned by a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ChannelID string `json:"channel_id"`
			}
			err := newAdminClient().do(cmd.Context(), http.MethodPost, "/channels",
				map[string]string{"creator": args[0], "version": version}, &resp)
			if err != nil {
				return err
			}
			fmt.Println(resp.ChannelID)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "channel version (server default when empty)")
	return cmd
}

func channelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the channels tracked by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Channels []string `json:"channels"`
			}
			if err := newAdminClient().do(cmd.Context(), http.MethodGet, "/channels", nil, &resp); err != nil {
				return err
			}
			for _, id := range resp.Channels {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func channelSendCmd() *cobra.Command {
	var (
		sender  string
		evType  string
		scope   string
		isState bool
		content string
	)

	cmd := &cobra.Command{
		Use:   "send CHANNEL",
		Short: "Send an event as a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(content)) {
				return fmt.Errorf("content is not valid JSON")
			}
			body := map[string]any{
				"sender":  sender,
				"type":    evType,
				"content": json.RawMessage(content),
			}
			if isState || cmd.Flags().Changed("scope") {
				body["scope"] = scope
			}

			var auth event.Authorization
			if err := newAdminClient().do(cmd.Context(), http.MethodPost, channelPath(args[0], "/events"), body, &auth); err != nil {
				return err
			}
			fmt.Println(renderAuthorization(auth))
			return nil
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "local user sending the event")
	cmd.Flags().StringVar(&evType, "type", event.TypeMessage, "event type")
	cmd.Flags().StringVar(&scope, "scope", "", "state scope; setting it makes a state event")
	cmd.Flags().BoolVar(&isState, "state", false, "send a state event with the empty scope")
	cmd.Flags().StringVar(&content, "content", "{}", "JSON content")
	cmd.MarkFlagRequired("sender")
	return cmd
}

func channelJoinCmd() *cobra.Command {
	var (
		user string
		via  string
	)

	cmd := &cobra.Command{
		Use:   "join CHANNEL",
		Short: "Join a local user to a channel, fetching it from a remote server if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var auth event.Authorization
			err := newAdminClient().do(cmd.Context(), http.MethodPost, channelPath(args[0], "/join"),
				map[string]string{"user": user, "via": via}, &auth)
			if err != nil {
				return err
			}
			fmt.Println(renderAuthorization(auth))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "local user joining")
	cmd.Flags().StringVar(&via, "via", "", "server to join through (the channel's domain when empty)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func channelStateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "state CHANNEL",
		Short: "Show the current state of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp server.StateResponse
			if err := newAdminClient().do(cmd.Context(), http.MethodGet, channelPath(args[0], "/state"), nil, &resp); err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			fmt.Println(renderState(resp))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw response")
	return cmd
}

func syncCmd() *cobra.Command {
	var (
		since  int64
		follow bool
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Print events from the local stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAdminClient()
			timeout := time.Duration(0)
			if follow {
				timeout = wait
			}
			for {
				var resp server.SyncResponse
				path := "/sync?since=" + strconv.FormatInt(since, 10) +
					"&timeout=" + strconv.FormatInt(timeout.Milliseconds(), 10)
				if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
					return err
				}
				if len(resp.Events) > 0 {
					fmt.Println(renderSync(resp))
				}
				since = resp.Next
				if !follow && len(resp.Events) == 0 {
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "admin address of the server")
	cmd.Flags().Int64Var(&since, "since", 0, "stream position to start after")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep waiting for new events")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "long-poll timeout per request when following")
	return cmd
}
