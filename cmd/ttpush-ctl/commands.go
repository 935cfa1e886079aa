package main

import (
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/spf13/cobra"
)

var httpClient = &http.Client{}

var negotiateCmd = &cobra.Command{
    Use:   "negotiate",
    Short: "Request a fresh connection token from the server",
    RunE: func(cmd *cobra.Command, args []string) error {
        body, err := get(serverURL + "/push/negotiate")
        if err != nil {
            return fmt.Errorf("negotiate failed: %w", err)
        }
        fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(body))
        return nil
    },
}

var publishCmd = &cobra.Command{
    Use:   "publish <connection> <payload>",
    Short: "Inject a JSON payload into a connection's backlog",
    Args:  cobra.ExactArgs(2),
    RunE: func(cmd *cobra.Command, args []string) error {
        u := serverURL + "/admin/publish?connection=" + url.QueryEscape(args[0])
        resp, err := httpClient.Post(u, "application/json", strings.NewReader(args[1]))
        if err != nil {
            return fmt.Errorf("publish failed: %w", err)
        }
        defer resp.Body.Close()
        body, _ := io.ReadAll(resp.Body)
        if resp.StatusCode != http.StatusOK {
            return fmt.Errorf("publish failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
        }
        fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
        return nil
    },
}

var pollMessageID string

var pollCmd = &cobra.Command{
    Use:   "poll <connection>",
    Short: "Run one poll cycle on a connection's behalf",
    Long:  "With no --message-id a connect request is issued; otherwise a repoll\nresuming after the given message id.",
    Args:  cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        token := url.PathEscape(args[0])
        u := serverURL + "/push/" + token + "/connect"
        if pollMessageID != "" {
            u = serverURL + "/push/" + token + "?messageId=" + url.QueryEscape(pollMessageID)
        }
        body, err := get(u)
        if err != nil {
            return fmt.Errorf("poll failed: %w", err)
        }
        fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(body))
        return nil
    },
}

var abortCmd = &cobra.Command{
    Use:   "abort <connection>",
    Short: "Abort a connection, waking any pending poll",
    Args:  cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        u := serverURL + "/admin/abort?connection=" + url.QueryEscape(args[0])
        resp, err := httpClient.Post(u, "", nil)
        if err != nil {
            return fmt.Errorf("abort failed: %w", err)
        }
        defer resp.Body.Close()
        if resp.StatusCode != http.StatusNoContent {
            body, _ := io.ReadAll(resp.Body)
            return fmt.Errorf("abort failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
        }
        fmt.Fprintf(cmd.OutOrStdout(), "Connection %q aborted.\n", args[0])
        return nil
    },
}

func init() {
    pollCmd.Flags().StringVar(&pollMessageID, "message-id", "", "Resume polling after this message id")
    // Polls are held up to the server's poll timeout, leave headroom on top.
    httpClient.Timeout = 150 * time.Second
}

func get(u string) (string, error) {
    resp, err := httpClient.Get(u)
    if err != nil {
        return "", err
    }
    defer resp.Body.Close()
    body, err := io.ReadAll(resp.Body)
    if err != nil {
        return "", err
    }
    if resp.StatusCode != http.StatusOK {
        return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
    }
    return string(body), nil
}
