package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kiranshivaraju/cliprelay/internal/client"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	apiURL string
	apiKey string
	out    io.Writer
}

func (o *rootOptions) client() (*client.Client, error) {
	c, err := client.New(o.apiURL, o.apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w (set --api-url/--api-key or CLIPRELAY_API_URL/CLIPRELAY_API_KEY)", err)
	}
	return c, nil
}

func (o *rootOptions) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(o.out, string(b))
	return err
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}

	root := &cobra.Command{
		Use:           "clipctl",
		Short:         "Upload, process and track clips on a cliprelay server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("CLIPRELAY_API_URL", "http://localhost:8080"),
		"cliprelay server URL (env CLIPRELAY_API_URL)")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("CLIPRELAY_API_KEY"),
		"API key (env CLIPRELAY_API_KEY)")

	root.AddCommand(
		newUploadSlotCmd(opts),
		newStartCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newResubmitCmd(opts),
		newNormalizeCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
