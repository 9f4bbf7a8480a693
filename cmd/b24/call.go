package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCallCommand(v *viper.Viper) *cobra.Command {
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "call METHOD [KEY=VALUE...]",
		Short: "Call one REST method and print the response",
		Example: `  b24 call user.current
  b24 call crm.deal.get id=42
  b24 call crm.deal.list --params '{"filter":{">OPPORTUNITY":1000}}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramsJSON, args[1:])
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), readSettings(v))
			if err != nil {
				return err
			}
			defer sess.Close()

			resp, err := sess.core.Call(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return writeResponse(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "method parameters as a JSON object")
	return cmd
}

// parseParams merges a JSON object with KEY=VALUE pairs; pairs win.
func parseParams(paramsJSON string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, fmt.Errorf("parse --params: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want KEY=VALUE", pair)
		}
		params[key] = value
	}
	return params, nil
}

// responseBody is the JSON printed for a single call.
type responseBody struct {
	Result json.RawMessage `json:"result"`
	Total  *int            `json:"total,omitempty"`
	Next   *int            `json:"next,omitempty"`
	Time   *client.Time    `json:"time,omitempty"`
}

func writeResponse(w io.Writer, resp *client.Response) error {
	return json.NewEncoder(w).Encode(responseBody{
		Result: resp.Result,
		Total:  resp.Total,
		Next:   resp.Next,
		Time:   resp.Time,
	})
}
