package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeffersonwarrior/myco/client"
)

type fetchOptions struct {
	method  string
	data    string
	headers []string
	include bool
	timeout time.Duration
}

func (cli *CLI) fetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Send one request and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := cli.loadConfig()
			ccfg, err := clientConfig(cfg.Client, logger)
			if err != nil {
				return err
			}
			c := client.New(ccfg)
			defer c.CloseIdle()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return fetch(ctx, c, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.method, "request", "X", "GET", "Request method")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "Request body; @file reads it from a file")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	cmd.Flags().BoolVarP(&opts.include, "include", "i", false, "Print the status line and response headers")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Overall request timeout")
	return cmd
}

func fetch(ctx context.Context, c *client.Client, rawURL string, opts *fetchOptions, w io.Writer) error {
	conn, err := c.NewConn(opts.method, rawURL)
	if err != nil {
		return err
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q", h)
		}
		conn.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if opts.data != "" {
		body := []byte(opts.data)
		if path, ok := strings.CutPrefix(opts.data, "@"); ok {
			if body, err = os.ReadFile(path); err != nil {
				return err
			}
		}
		conn.WithBodyBytes(body)
	}
	if err := conn.Send(ctx); err != nil {
		return err
	}
	defer conn.Close()

	if opts.include {
		head := conn.ResponseHead()
		fmt.Fprintf(w, "%s %d %s\n", head.Proto, head.Status, head.Reason)
		keys := make([]string, 0, len(head.Header))
		for k := range head.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range head.Header[k] {
				fmt.Fprintf(w, "%s: %s\n", k, v)
			}
		}
		fmt.Fprintln(w)
	}
	body, err := conn.ResponseBodyString()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}
