// Package main implements the AkiDB admin CLI, a thin client over the
// HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{Use: "akidb-cli", Short: "AkiDB admin CLI"}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "AkiDB server URL")

	create := &cobra.Command{
		Use:   "create-collection <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dim, _ := cmd.Flags().GetUint32("dim")
			metric, _ := cmd.Flags().GetString("metric")
			policy, _ := cmd.Flags().GetString("policy")
			body, _ := json.Marshal(map[string]any{
				"name": args[0], "dimension": dim, "metric": metric, "policy": policy,
			})
			return post("/collections", body)
		},
	}
	create.Flags().Uint32("dim", 0, "vector dimension")
	create.Flags().String("metric", "cosine", "distance metric: cosine | l2 | dot")
	create.Flags().String("policy", "memory", "tiering policy: memory | memory_remote | remote_only")
	_ = create.MarkFlagRequired("dim")

	drop := &cobra.Command{
		Use:   "drop-collection <name>",
		Short: "Drop a collection and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, serverURL+"/collections/"+args[0], nil)
			if err != nil {
				return err
			}
			return do(req)
		},
	}

	stats := &cobra.Command{
		Use:   "stats <collection>",
		Short: "Show collection statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, serverURL+"/collections/"+args[0]+"/stats", nil)
			if err != nil {
				return err
			}
			return do(req)
		},
	}

	root.AddCommand(create, drop, stats)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func post(path string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func do(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	if len(out) > 0 {
		fmt.Println(string(bytes.TrimSpace(out)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
